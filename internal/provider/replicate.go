package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genmarket/internal/entity"

	repgo "github.com/replicate/replicate-go"
)

const defaultReplicateModel = "black-forest-labs/flux-fill-pro"

// Replicate 通过托管预测接口调用任意模型，局部重绘默认走 flux-fill-pro
type Replicate struct {
	id     string
	client *repgo.Client
	model  string
}

func NewReplicate(cfg entity.DbProviderConfig) (*Replicate, error) {
	token := strings.TrimSpace(cfg.APIKey)
	if token == "" {
		return nil, errors.New("replicate api token is not configured")
	}
	opts := []repgo.ClientOption{repgo.WithToken(token)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, repgo.WithBaseURL(base))
	}
	client, err := repgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("replicate client: %w", err)
	}

	model := cfg.DefaultParams.String("model")
	if model == "" {
		model = defaultReplicateModel
	}
	return &Replicate{id: cfg.ID, client: client, model: model}, nil
}

func (r *Replicate) Submit(ctx context.Context, req Request) (*Submission, error) {
	model := req.ModelOr(r.model)
	logger := providerLogger(ctx, r.id, model)

	input, err := buildReplicateInput(req)
	if err != nil {
		return nil, newError(r.id, 0, "invalid_request", err.Error())
	}

	logger.WithFields(map[string]interface{}{
		"task_type":      req.TaskType,
		"prompt_preview": logSnippet(req.Prompt),
	}).Info("provider_submit_start")

	pred, err := r.client.CreatePrediction(ctx, model, input, nil, false)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, r.wrap(err)
	}
	if pred == nil || strings.TrimSpace(pred.ID) == "" {
		return nil, newError(r.id, 0, "invalid_response", "missing prediction id")
	}
	return &Submission{ExternalTaskID: pred.ID}, nil
}

func (r *Replicate) Poll(ctx context.Context, externalID string) (*Status, error) {
	return observePoll(ctx, r.id, externalID, func() (*Status, error) {
		return r.poll(ctx, externalID)
	})
}

func (r *Replicate) poll(ctx context.Context, externalID string) (*Status, error) {
	pred, err := r.client.GetPrediction(ctx, externalID)
	if err != nil {
		return nil, r.wrap(err)
	}
	return replicateStatus(pred), nil
}

func (r *Replicate) Cancel(ctx context.Context, externalID string) error {
	if _, err := r.client.CancelPrediction(ctx, externalID); err != nil {
		return r.wrap(err)
	}
	return nil
}

func (r *Replicate) wrap(err error) error {
	var apiErr *repgo.APIError
	if errors.As(err, &apiErr) {
		message := apiErr.Detail
		if message == "" {
			message = apiErr.Title
		}
		return &Error{Provider: r.id, StatusCode: apiErr.Status, Message: message, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transportError(r.id, err)
	}
	return &Error{Provider: r.id, Message: err.Error(), Err: err}
}

func buildReplicateInput(req Request) (repgo.PredictionInput, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	input := repgo.PredictionInput{"prompt": req.Prompt}
	for key, value := range req.extraParams() {
		input[key] = value
	}

	switch req.TaskType {
	case entity.TaskTypeInpainting:
		if req.FirstImage() == "" || req.MaskURL == "" {
			return nil, errors.New("image_url and mask_url are required")
		}
		input["image"] = req.FirstImage()
		input["mask"] = req.MaskURL
	case entity.TaskTypeImageToImage, entity.TaskTypeImageToVideo:
		if req.FirstImage() == "" {
			return nil, errors.New("image_url is required")
		}
		input["image"] = req.FirstImage()
	}

	if req.NegativePrompt != "" {
		input["negative_prompt"] = req.NegativePrompt
	}
	if req.AspectRatio != "" {
		input["aspect_ratio"] = req.AspectRatio
	}
	if req.Duration > 0 {
		input["duration"] = req.Duration
	}
	if req.Seed > 0 {
		input["seed"] = req.Seed
	}
	return input, nil
}

func replicateStatus(pred *repgo.Prediction) *Status {
	if pred == nil {
		return &Status{State: StateRunning}
	}
	status := &Status{State: NormalizeState(string(pred.Status))}
	switch status.State {
	case StateSucceeded:
		status.Progress = 100
		status.withOutputs(replicateOutputURLs(pred.Output)...)
		if status.OutputURL == "" {
			status.State = StateFailed
			status.FailReason = "prediction succeeded without output"
		}
	case StateFailed:
		status.FailReason = replicateFailReason(pred.Error)
	}
	return status
}

// replicateOutputURLs 兼容单个 URL 与 URL 数组两种输出
func replicateOutputURLs(output interface{}) []string {
	switch v := output.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		urls := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				urls = append(urls, s)
			}
		}
		return urls
	case map[string]interface{}:
		for _, key := range []string{"video", "image", "output", "url"} {
			if s, ok := v[key].(string); ok {
				return []string{s}
			}
		}
	}
	return nil
}

func replicateFailReason(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "prediction failed"
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

var _ Client = (*Replicate)(nil)
var _ Canceler = (*Replicate)(nil)
