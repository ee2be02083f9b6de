package provider

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestObservePoll(t *testing.T) {
	tests := []struct {
		name       string
		status     *Status
		err        error
		wantEvent  string
		wantFields logrus.Fields
	}{
		{
			name:       "查询失败",
			err:        newError("flux", http.StatusNotFound, "task_not_found", "no such task"),
			wantEvent:  "provider_poll_failed",
			wantFields: logrus.Fields{"status_code": http.StatusNotFound, "temporary": false},
		},
		{
			name:       "任务完成",
			status:     (&Status{State: StateSucceeded}).withOutputs("https://cdn.example.com/a.png"),
			wantEvent:  "provider_poll_finished",
			wantFields: logrus.Fields{"state": StateSucceeded, "output_count": 1},
		},
		{
			name:       "任务失败",
			status:     &Status{State: StateFailed, FailReason: "nsfw"},
			wantEvent:  "provider_poll_finished",
			wantFields: logrus.Fields{"state": StateFailed, "fail_reason": "nsfw"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := logtest.NewGlobal()
			defer hook.Reset()

			status, err := observePoll(context.Background(), "flux", "ext-1", func() (*Status, error) {
				return tt.status, tt.err
			})
			if err != tt.err {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if tt.err != nil && status != nil {
				t.Fatalf("expected nil status on error, got %+v", status)
			}

			entry := hook.LastEntry()
			if entry == nil || entry.Message != tt.wantEvent {
				t.Fatalf("expected %s, got %+v", tt.wantEvent, entry)
			}
			if entry.Data["provider"] != "flux" || entry.Data["external_id"] != "ext-1" {
				t.Errorf("missing provider fields: %v", entry.Data)
			}
			for key, want := range tt.wantFields {
				if entry.Data[key] != want {
					t.Errorf("%s = %v, want %v", key, entry.Data[key], want)
				}
			}
		})
	}
}

func TestLogSnippet(t *testing.T) {
	if got := logSnippet("  short  "); got != "short" {
		t.Errorf("expected trimmed value, got %q", got)
	}
	long := strings.Repeat("雪", logSnippetLimit+10)
	got := logSnippet(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != logSnippetLimit+3 {
		t.Errorf("expected truncated snippet, got %d runes", len([]rune(got)))
	}
}
