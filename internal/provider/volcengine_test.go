package provider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"genmarket/internal/entity"

	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
)

type fakeArk struct {
	model    string
	content  []*volcModel.CreateContentGenerationContentItem
	task     *volcVideoTask
	imageURL string
	imageErr error
	imageReq volcModel.GenerateImagesRequest
}

func (f *fakeArk) CreateVideoTask(ctx context.Context, model string, content []*volcModel.CreateContentGenerationContentItem) (string, error) {
	f.model = model
	f.content = content
	return "cgt-1", nil
}

func (f *fakeArk) GetVideoTask(ctx context.Context, id string) (*volcVideoTask, error) {
	return f.task, nil
}

func (f *fakeArk) GenerateImage(ctx context.Context, req volcModel.GenerateImagesRequest) (string, error) {
	f.imageReq = req
	return f.imageURL, f.imageErr
}

func TestBuildVolcengineVideoPrompt(t *testing.T) {
	tests := []struct {
		name       string
		prompt     string
		resolution string
		duration   int
		ratio      string
		expected   string
	}{
		{name: "追加全部参数", prompt: "a dog", resolution: "1080P", duration: 5, ratio: "16:9", expected: "a dog --rs 1080p --dur 5 --rt 16:9"},
		{name: "已有分辨率", prompt: "a dog --RS 720p", resolution: "1080p", duration: 10, expected: "a dog --RS 720p --dur 10"},
		{name: "已有时长", prompt: "a dog --dur 3", duration: 10, expected: "a dog --dur 3"},
		{name: "空提示词", prompt: "  ", resolution: "720p", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildVolcengineVideoPrompt(tt.prompt, tt.resolution, tt.duration, tt.ratio); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestBuildVolcengineVideoImages(t *testing.T) {
	t.Run("单图为首帧", func(t *testing.T) {
		items := buildVolcengineVideoImages(defaultVolcVideoModel, []string{" https://a/1.png "})
		if len(items) != 1 || *items[0].Role != "first_frame" || items[0].ImageURL.URL != "https://a/1.png" {
			t.Fatalf("unexpected items %#v", items)
		}
	})

	t.Run("多图取首尾帧", func(t *testing.T) {
		items := buildVolcengineVideoImages(defaultVolcVideoModel, []string{"https://a/1.png", "https://a/2.png", "https://a/3.png"})
		if len(items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(items))
		}
		if *items[1].Role != "last_frame" || items[1].ImageURL.URL != "https://a/3.png" {
			t.Fatalf("unexpected last frame %#v", items[1])
		}
	})

	t.Run("参考图模型最多四张", func(t *testing.T) {
		images := []string{"https://a/1.png", "https://a/2.png", "https://a/3.png", "https://a/4.png", "https://a/5.png"}
		items := buildVolcengineVideoImages("doubao-seedance-1-0-lite-i2v-250428", images)
		if len(items) != 4 {
			t.Fatalf("expected 4 items, got %d", len(items))
		}
		for idx, item := range items {
			if item.Role == nil || *item.Role != "reference_image" {
				t.Fatalf("item %d expected reference_image role, got %#v", idx, item.Role)
			}
		}
	})

	t.Run("空图片", func(t *testing.T) {
		if items := buildVolcengineVideoImages(defaultVolcVideoModel, []string{" "}); items != nil {
			t.Fatalf("expected nil, got %#v", items)
		}
	})
}

func TestVolcengineVideoSubmitAndPoll(t *testing.T) {
	fake := &fakeArk{task: &volcVideoTask{
		Status:       "succeeded",
		VideoURL:     " https://ark.example.com/v.mp4 ",
		LastFrameURL: "https://ark.example.com/last.png",
	}}
	client := newVolcengine(entity.DbProviderConfig{ID: "volcengine"}, fake)

	sub, err := client.Submit(context.Background(), Request{
		TaskType:   entity.TaskTypeImageToVideo,
		Prompt:     "waves",
		ImageURLs:  []string{"https://a/1.png"},
		Resolution: "720p",
		Duration:   5,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.ExternalTaskID != "cgt-1" || sub.Result != nil {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if fake.model != defaultVolcVideoModel || len(fake.content) != 2 {
		t.Fatalf("unexpected request model=%s content=%d", fake.model, len(fake.content))
	}
	if text := *fake.content[0].Text; !strings.HasSuffix(text, "--rs 720p --dur 5") {
		t.Fatalf("unexpected prompt %q", text)
	}

	status, err := client.Poll(context.Background(), sub.ExternalTaskID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.State != StateSucceeded || status.OutputURL != "https://ark.example.com/v.mp4" || len(status.OutputURLs) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestVolcengineImageIsSynchronous(t *testing.T) {
	fake := &fakeArk{imageURL: "https://ark.example.com/i.png"}
	client := newVolcengine(entity.DbProviderConfig{ID: "volcengine"}, fake)

	sub, err := client.Submit(context.Background(), Request{TaskType: entity.TaskTypeTextToImage, Prompt: "a cat", Resolution: "2k"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(sub.ExternalTaskID, volcImageTaskPrefix) {
		t.Fatalf("unexpected external id %q", sub.ExternalTaskID)
	}
	if sub.Result == nil || sub.Result.State != StateSucceeded || sub.Result.OutputURL != "https://ark.example.com/i.png" {
		t.Fatalf("expected synchronous result, got %+v", sub.Result)
	}
	if fake.imageReq.Size == nil || *fake.imageReq.Size != "2K" {
		t.Fatalf("expected size 2K, got %v", fake.imageReq.Size)
	}

	if _, err := client.Poll(context.Background(), sub.ExternalTaskID); err == nil {
		t.Fatal("expected image ids to be unpollable")
	}
}

func TestVolcengineImageFailure(t *testing.T) {
	fake := &fakeArk{imageErr: errors.New("sensitive content")}
	client := newVolcengine(entity.DbProviderConfig{ID: "volcengine"}, fake)

	_, err := client.Submit(context.Background(), Request{TaskType: entity.TaskTypeTextToImage, Prompt: "x"})
	var perr *Error
	if !errors.As(err, &perr) || perr.Provider != "volcengine" {
		t.Fatalf("expected provider error, got %v", err)
	}
}
