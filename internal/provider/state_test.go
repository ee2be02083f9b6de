package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"genmarket/internal/entity"
)

func TestNormalizeState(t *testing.T) {
	tests := []struct {
		input    string
		expected State
	}{
		{"SUBMITTED", StateQueued},
		{"starting", StateQueued},
		{"IN_PROGRESS", StateRunning},
		{"processing", StateRunning},
		{"Ready", StateSucceeded},
		{"succeed", StateSucceeded},
		{"SUCCESS", StateSucceeded},
		{"FAILURE", StateFailed},
		{"Content Moderated", StateFailed},
		{"canceled", StateCancelled},
		{"something-new", StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeState(tt.input); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{name: "百分号", input: "45%", expected: 45},
		{name: "纯数字", input: "80", expected: 80},
		{name: "小数比例", input: "0.25", expected: 25},
		{name: "超出上限", input: "150%", expected: 100},
		{name: "负数", input: "-3", expected: 0},
		{name: "空值", input: "", expected: 0},
		{name: "非法值", input: "abc", expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseProgress(tt.input); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "空错误", err: nil, expected: false},
		{name: "超时", err: fmt.Errorf("poll: %w", context.DeadlineExceeded), expected: true},
		{name: "网络错误", err: transportError("flux", errors.New("connection reset")), expected: true},
		{name: "限流", err: newError("flux", http.StatusTooManyRequests, "", "slow down"), expected: true},
		{name: "服务端错误", err: newError("flux", http.StatusBadGateway, "", "bad gateway"), expected: true},
		{name: "参数错误", err: newError("flux", http.StatusBadRequest, "", "bad prompt"), expected: false},
		{name: "普通错误", err: errors.New("plain"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTemporary(tt.err); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestIsRejected(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "空错误", err: nil, expected: false},
		{name: "任务不存在", err: fmt.Errorf("poll: %w", newError("flux", http.StatusNotFound, "task_not_found", "no such task")), expected: true},
		{name: "鉴权失败", err: newError("flux", http.StatusUnauthorized, "", "bad key"), expected: true},
		{name: "限流", err: newError("flux", http.StatusTooManyRequests, "", "slow down"), expected: false},
		{name: "请求超时", err: newError("flux", http.StatusRequestTimeout, "", "timeout"), expected: false},
		{name: "服务端错误", err: newError("flux", http.StatusServiceUnavailable, "", "overloaded"), expected: false},
		{name: "网络错误", err: transportError("flux", context.Canceled), expected: false},
		{name: "响应无法解析", err: newError("flux", http.StatusOK, "invalid_response", "decode response"), expected: false},
		{name: "普通错误", err: errors.New("plain"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRejected(tt.err); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestBuildRequestMergesDefaults(t *testing.T) {
	defaults := entity.JSONMap{"model": "kling-v2-1", "duration": 5, "cfg_scale": 0.5}
	params := entity.JSONMap{
		"prompt":     "a red fox",
		"duration":   float64(10),
		"resolution": "1080P",
		"image_url":  "https://example.com/fox.png",
	}

	req := BuildRequest("task-1", entity.TaskTypeImageToVideo, defaults, params)
	if req.Model != "kling-v2-1" {
		t.Errorf("expected default model, got %q", req.Model)
	}
	if req.Duration != 10 {
		t.Errorf("expected user duration to win, got %d", req.Duration)
	}
	if req.Resolution != "1080p" {
		t.Errorf("expected lower-cased resolution, got %q", req.Resolution)
	}
	if req.FirstImage() != "https://example.com/fox.png" {
		t.Errorf("expected image url, got %v", req.ImageURLs)
	}

	extra := req.extraParams()
	if _, ok := extra["prompt"]; ok {
		t.Error("prompt should not be forwarded as an extra param")
	}
	if extra["cfg_scale"] != 0.5 {
		t.Errorf("expected cfg_scale to be forwarded, got %v", extra)
	}
}

func TestNewDispatchesByDriver(t *testing.T) {
	tests := []struct {
		name    string
		cfg     entity.DbProviderConfig
		wantErr bool
	}{
		{name: "flux", cfg: entity.DbProviderConfig{ID: "flux", Driver: entity.ProviderDriverFlux, APIKey: "k"}},
		{name: "按ID推断驱动", cfg: entity.DbProviderConfig{ID: "midjourney", BaseURL: "http://mj.local"}},
		{name: "缺少密钥", cfg: entity.DbProviderConfig{ID: "kling", Driver: entity.ProviderDriverKling, APIKey: "ak"}, wantErr: true},
		{name: "未知驱动", cfg: entity.DbProviderConfig{ID: "x", Driver: "unknown"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil || client == nil {
				t.Fatalf("expected client, got %v", err)
			}
		})
	}
}
