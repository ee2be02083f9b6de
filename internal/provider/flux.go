package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"genmarket/internal/entity"
)

const defaultFluxBaseURL = "https://api.bfl.ai"

// Flux calls the Black Forest Labs API. Submissions return an id that is
// polled through get_result.
type Flux struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewFlux(cfg entity.DbProviderConfig, client *http.Client) (*Flux, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("flux api key is not configured")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultFluxBaseURL
	}
	return &Flux{id: cfg.ID, baseURL: baseURL, apiKey: apiKey, client: client}, nil
}

type fluxSubmitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

type fluxResult struct {
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`
	Progress *float64               `json:"progress"`
	Result   map[string]interface{} `json:"result"`
	Details  map[string]interface{} `json:"details"`
}

func (f *Flux) Submit(ctx context.Context, req Request) (*Submission, error) {
	switch req.TaskType {
	case entity.TaskTypeTextToImage, entity.TaskTypeImageToImage:
	default:
		return nil, newError(f.id, 0, "unsupported_task_type", fmt.Sprintf("flux does not support %s", req.TaskType))
	}

	model := req.ModelOr("flux-pro-1.1")
	if req.TaskType == entity.TaskTypeImageToImage && req.Model == "" {
		model = "flux-kontext-pro"
	}

	body := req.extraParams()
	body["prompt"] = req.Prompt
	if req.AspectRatio != "" {
		body["aspect_ratio"] = req.AspectRatio
	}
	if req.Seed != 0 {
		body["seed"] = req.Seed
	}
	if image := req.FirstImage(); image != "" {
		body["input_image"] = image
	}

	logger := providerLogger(ctx, f.id, model)
	logger.WithField("prompt_preview", logSnippet(req.Prompt)).Info("provider_submit_start")

	var resp fluxSubmitResponse
	err := httpCall{
		provider: f.id,
		client:   f.client,
		method:   http.MethodPost,
		url:      joinEndpoint(f.baseURL, "/v1/"+model),
		headers:  map[string]string{"x-key": f.apiKey},
		body:     body,
	}.do(ctx, &resp)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, err
	}
	if strings.TrimSpace(resp.ID) == "" {
		return nil, newError(f.id, http.StatusOK, "invalid_response", "missing task id")
	}
	return &Submission{ExternalTaskID: resp.ID}, nil
}

func (f *Flux) Poll(ctx context.Context, externalID string) (*Status, error) {
	return observePoll(ctx, f.id, externalID, func() (*Status, error) {
		return f.poll(ctx, externalID)
	})
}

func (f *Flux) poll(ctx context.Context, externalID string) (*Status, error) {
	var result fluxResult
	err := httpCall{
		provider: f.id,
		client:   f.client,
		method:   http.MethodGet,
		url:      joinEndpoint(f.baseURL, "/v1/get_result?id="+url.QueryEscape(externalID)),
		headers:  map[string]string{"x-key": f.apiKey},
	}.do(ctx, &result)
	if err != nil {
		return nil, err
	}

	status := &Status{State: NormalizeState(result.Status)}
	if result.Progress != nil {
		status.Progress = clampProgress(int(*result.Progress * 100))
	}
	switch status.State {
	case StateSucceeded:
		status.Progress = 100
		sample, _ := result.Result["sample"].(string)
		status.withOutputs(sample)
		if status.OutputURL == "" {
			status.State = StateFailed
			status.FailReason = "result has no sample url"
		}
	case StateFailed:
		status.FailReason = result.Status
		if reason := fmt.Sprint(result.Details["moderation_reasons"]); result.Details != nil && reason != "<nil>" {
			status.FailReason = result.Status + ": " + reason
		}
	}
	return status, nil
}

var _ Client = (*Flux)(nil)
