package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"genmarket/internal/entity"

	"github.com/google/uuid"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

//文档:https://www.volcengine.com/docs/82379/1824121

const (
	defaultVolcImageModel = "doubao-seedream-4-0-250828"
	defaultVolcVideoModel = "doubao-seedance-1-0-pro-250528"

	// 图片接口为同步流式返回，外部 ID 仅用于标识
	volcImageTaskPrefix = "image:"
)

type volcVideoTask struct {
	Status       string
	VideoURL     string
	LastFrameURL string
	FailReason   string
}

// arkAPI 是对 arkruntime 客户端的最小封装，便于测试替换
type arkAPI interface {
	CreateVideoTask(ctx context.Context, model string, content []*volcModel.CreateContentGenerationContentItem) (string, error)
	GetVideoTask(ctx context.Context, id string) (*volcVideoTask, error)
	GenerateImage(ctx context.Context, req volcModel.GenerateImagesRequest) (string, error)
}

type arkClient struct {
	client *arkruntime.Client
}

func (a arkClient) CreateVideoTask(ctx context.Context, model string, content []*volcModel.CreateContentGenerationContentItem) (string, error) {
	resp, err := a.client.CreateContentGenerationTask(ctx, volcModel.CreateContentGenerationTaskRequest{
		Model:   model,
		Content: content,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a arkClient) GetVideoTask(ctx context.Context, id string) (*volcVideoTask, error) {
	resp, err := a.client.GetContentGenerationTask(ctx, volcModel.GetContentGenerationTaskRequest{ID: id})
	if err != nil {
		return nil, err
	}
	task := &volcVideoTask{
		Status:       resp.Status,
		VideoURL:     resp.Content.VideoURL,
		LastFrameURL: resp.Content.LastFrameURL,
	}
	if resp.Error != nil {
		task.FailReason = resp.Error.Message
	}
	return task, nil
}

func (a arkClient) GenerateImage(ctx context.Context, req volcModel.GenerateImagesRequest) (string, error) {
	stream, err := a.client.GenerateImagesStreaming(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var imageURL, failReason string
	for {
		recv, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch recv.Type {
		case "image_generation.partial_failed":
			if recv.Error != nil {
				failReason = recv.Error.Message
			}
		case "image_generation.partial_succeeded":
			if recv.Error == nil && recv.Url != nil && imageURL == "" {
				imageURL = *recv.Url
			}
		}
	}
	if imageURL == "" {
		if failReason == "" {
			failReason = "no image returned"
		}
		return "", errors.New(failReason)
	}
	return imageURL, nil
}

// Volcengine 视频走内容生成异步任务，图片走 Seedream 流式接口
type Volcengine struct {
	id         string
	api        arkAPI
	imageModel string
	videoModel string
}

func NewVolcengine(cfg entity.DbProviderConfig) (*Volcengine, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("volcengine api key is not configured")
	}
	return newVolcengine(cfg, arkClient{client: arkruntime.NewClientWithApiKey(apiKey)}), nil
}

func newVolcengine(cfg entity.DbProviderConfig, api arkAPI) *Volcengine {
	imageModel := cfg.DefaultParams.String("image_model")
	if imageModel == "" {
		imageModel = defaultVolcImageModel
	}
	videoModel := cfg.DefaultParams.String("video_model")
	if videoModel == "" {
		videoModel = defaultVolcVideoModel
	}
	return &Volcengine{id: cfg.ID, api: api, imageModel: imageModel, videoModel: videoModel}
}

func (v *Volcengine) Submit(ctx context.Context, req Request) (*Submission, error) {
	switch req.TaskType {
	case entity.TaskTypeTextToVideo, entity.TaskTypeImageToVideo:
		return v.submitVideo(ctx, req)
	case entity.TaskTypeTextToImage, entity.TaskTypeImageToImage:
		return v.submitImage(ctx, req)
	default:
		return nil, newError(v.id, 0, "unsupported_task_type", fmt.Sprintf("volcengine does not support %s", req.TaskType))
	}
}

func (v *Volcengine) submitVideo(ctx context.Context, req Request) (*Submission, error) {
	model := req.ModelOr(v.videoModel)
	logger := providerLogger(ctx, v.id, model)

	prompt := buildVolcengineVideoPrompt(req.Prompt, req.Resolution, req.Duration, req.AspectRatio)
	var content []*volcModel.CreateContentGenerationContentItem
	if prompt != "" {
		content = append(content, &volcModel.CreateContentGenerationContentItem{
			Type: volcModel.ContentGenerationContentItemTypeText,
			Text: volcengine.String(prompt),
		})
	}
	if req.TaskType == entity.TaskTypeImageToVideo {
		if len(req.ImageURLs) == 0 {
			return nil, newError(v.id, 0, "invalid_request", "image_url is required")
		}
		content = append(content, buildVolcengineVideoImages(model, req.ImageURLs)...)
	}
	if len(content) == 0 {
		return nil, newError(v.id, 0, "invalid_request", "prompt is required")
	}

	logger.WithFields(map[string]interface{}{
		"prompt_preview":      logSnippet(prompt),
		"reference_image_cnt": len(req.ImageURLs),
	}).Info("provider_submit_start")

	id, err := v.api.CreateVideoTask(ctx, model, content)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, v.wrap(err)
	}
	if strings.TrimSpace(id) == "" {
		return nil, newError(v.id, 0, "invalid_response", "missing task id")
	}
	return &Submission{ExternalTaskID: id}, nil
}

func (v *Volcengine) submitImage(ctx context.Context, req Request) (*Submission, error) {
	model := req.ModelOr(v.imageModel)
	logger := providerLogger(ctx, v.id, model)
	if req.Prompt == "" {
		return nil, newError(v.id, 0, "invalid_request", "prompt is required")
	}

	var sequential volcModel.SequentialImageGeneration = "disabled"
	generateReq := volcModel.GenerateImagesRequest{
		Model:                     model,
		Prompt:                    req.Prompt,
		Image:                     req.ImageURLs,
		ResponseFormat:            volcengine.String(volcModel.GenerateImagesResponseFormatURL),
		Watermark:                 volcengine.Bool(false),
		SequentialImageGeneration: &sequential,
	}
	if size := strings.TrimSpace(req.Params.String("size")); size != "" {
		generateReq.Size = volcengine.String(size)
	} else if req.Resolution != "" {
		generateReq.Size = volcengine.String(strings.ToUpper(req.Resolution))
	}

	logger.WithFields(map[string]interface{}{
		"prompt_preview":      logSnippet(req.Prompt),
		"reference_image_cnt": len(req.ImageURLs),
	}).Info("provider_submit_start")

	imageURL, err := v.api.GenerateImage(ctx, generateReq)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, v.wrap(err)
	}

	result := (&Status{State: StateSucceeded, Progress: 100}).withOutputs(imageURL)
	return &Submission{ExternalTaskID: volcImageTaskPrefix + uuid.NewString(), Result: result}, nil
}

func (v *Volcengine) Poll(ctx context.Context, externalID string) (*Status, error) {
	return observePoll(ctx, v.id, externalID, func() (*Status, error) {
		return v.poll(ctx, externalID)
	})
}

func (v *Volcengine) poll(ctx context.Context, externalID string) (*Status, error) {
	if strings.HasPrefix(externalID, volcImageTaskPrefix) {
		return nil, newError(v.id, 0, "not_pollable", "image generation finished synchronously and has no remote status")
	}

	task, err := v.api.GetVideoTask(ctx, externalID)
	if err != nil {
		return nil, v.wrap(err)
	}

	status := &Status{State: NormalizeState(task.Status)}
	switch status.State {
	case StateSucceeded:
		status.Progress = 100
		status.withOutputs(collectVolcengineVideoAssets(task.VideoURL, task.LastFrameURL)...)
	case StateFailed:
		status.FailReason = task.FailReason
	}
	return status, nil
}

// wrap 把 SDK 错误统一成 *Error，状态码取自 SDK 的 APIError
func (v *Volcengine) wrap(err error) error {
	var perr *Error
	if errors.As(err, &perr) {
		return err
	}
	var apiErr *volcModel.APIError
	if errors.As(err, &apiErr) {
		return &Error{Provider: v.id, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *volcModel.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Provider: v.id, StatusCode: reqErr.HTTPStatusCode, Code: codeTransport, Err: err}
	}
	return &Error{Provider: v.id, Message: err.Error(), Err: err}
}

// buildVolcengineVideoPrompt 在提示词后追加 --rs/--dur/--ratio，已存在的参数不重复追加
func buildVolcengineVideoPrompt(prompt, resolution string, duration int, ratio string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	lower := strings.ToLower(prompt)
	var b strings.Builder
	b.WriteString(prompt)
	if resolution = strings.ToLower(strings.TrimSpace(resolution)); resolution != "" && !strings.Contains(lower, "--rs") && !strings.Contains(lower, "--resolution") {
		b.WriteString(" --rs ")
		b.WriteString(resolution)
	}
	if duration > 0 && !strings.Contains(lower, "--dur") {
		fmt.Fprintf(&b, " --dur %d", duration)
	}
	if ratio = strings.TrimSpace(ratio); ratio != "" && !strings.Contains(lower, "--rt") && !strings.Contains(lower, "--ratio") {
		b.WriteString(" --rt ")
		b.WriteString(ratio)
	}
	return b.String()
}

// buildVolcengineVideoImages 根据模型决定图片角色：lite-i2v 支持最多 4 张参考图，其余模型使用首尾帧
func buildVolcengineVideoImages(model string, images []string) []*volcModel.CreateContentGenerationContentItem {
	var cleaned []string
	for _, image := range images {
		if image = strings.TrimSpace(image); image != "" {
			cleaned = append(cleaned, image)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	item := func(url, role string) *volcModel.CreateContentGenerationContentItem {
		return &volcModel.CreateContentGenerationContentItem{
			Type:     volcModel.ContentGenerationContentItemTypeImage,
			ImageURL: &volcModel.ImageURL{URL: url},
			Role:     volcengine.String(role),
		}
	}

	if strings.Contains(strings.ToLower(model), "lite-i2v") && len(cleaned) > 2 {
		if len(cleaned) > 4 {
			cleaned = cleaned[:4]
		}
		items := make([]*volcModel.CreateContentGenerationContentItem, 0, len(cleaned))
		for _, image := range cleaned {
			items = append(items, item(image, "reference_image"))
		}
		return items
	}

	items := []*volcModel.CreateContentGenerationContentItem{item(cleaned[0], "first_frame")}
	if len(cleaned) > 1 {
		items = append(items, item(cleaned[len(cleaned)-1], "last_frame"))
	}
	return items
}

func collectVolcengineVideoAssets(urls ...string) []string {
	var assets []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			assets = append(assets, u)
		}
	}
	return assets
}

var _ Client = (*Volcengine)(nil)
