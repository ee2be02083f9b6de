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

// Midjourney talks to a midjourney-proxy compatible service.
type Midjourney struct {
	id      string
	baseURL string
	secret  string
	client  *http.Client
}

func NewMidjourney(cfg entity.DbProviderConfig, client *http.Client) (*Midjourney, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("midjourney base url is not configured")
	}
	secret := strings.TrimSpace(cfg.APISecret)
	if secret == "" {
		secret = strings.TrimSpace(cfg.APIKey)
	}
	return &Midjourney{id: cfg.ID, baseURL: baseURL, secret: secret, client: client}, nil
}

type mjSubmitResponse struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

type mjTask struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   string `json:"progress"`
	ImageURL   string `json:"imageUrl"`
	FailReason string `json:"failReason"`
}

func (m *Midjourney) headers() map[string]string {
	if m.secret == "" {
		return nil
	}
	return map[string]string{"mj-api-secret": m.secret}
}

func (m *Midjourney) Submit(ctx context.Context, req Request) (*Submission, error) {
	switch req.TaskType {
	case entity.TaskTypeTextToImage, entity.TaskTypeImageToImage:
	default:
		return nil, newError(m.id, 0, "unsupported_task_type", fmt.Sprintf("midjourney does not support %s", req.TaskType))
	}
	if req.Prompt == "" {
		return nil, newError(m.id, 0, "invalid_request", "prompt is required")
	}

	// 参考图以 URL 形式放在提示词最前面
	prompt := req.Prompt
	if len(req.ImageURLs) > 0 {
		prompt = strings.Join(req.ImageURLs, " ") + " " + prompt
	}
	if req.AspectRatio != "" && !strings.Contains(prompt, "--ar") {
		prompt += " --ar " + req.AspectRatio
	}

	logger := providerLogger(ctx, m.id, req.Model)
	logger.WithField("prompt_preview", logSnippet(prompt)).Info("provider_submit_start")

	var resp mjSubmitResponse
	err := httpCall{
		provider: m.id,
		client:   m.client,
		method:   http.MethodPost,
		url:      joinEndpoint(m.baseURL, "/mj/submit/imagine"),
		headers:  m.headers(),
		body:     map[string]interface{}{"prompt": prompt, "base64Array": []string{}},
	}.do(ctx, &resp)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, err
	}

	// 1 提交成功，22 已进入排队
	if (resp.Code != 1 && resp.Code != 22) || strings.TrimSpace(resp.Result) == "" {
		err := newError(m.id, http.StatusOK, fmt.Sprintf("%d", resp.Code), resp.Description)
		logger.WithError(err).Warn("provider_submit_rejected")
		return nil, err
	}
	return &Submission{ExternalTaskID: resp.Result}, nil
}

func (m *Midjourney) Poll(ctx context.Context, externalID string) (*Status, error) {
	return observePoll(ctx, m.id, externalID, func() (*Status, error) {
		return m.poll(ctx, externalID)
	})
}

func (m *Midjourney) poll(ctx context.Context, externalID string) (*Status, error) {
	var task mjTask
	err := httpCall{
		provider: m.id,
		client:   m.client,
		method:   http.MethodGet,
		url:      joinEndpoint(m.baseURL, "/mj/task/"+url.PathEscape(externalID)+"/fetch"),
		headers:  m.headers(),
	}.do(ctx, &task)
	if err != nil {
		return nil, err
	}

	status := &Status{
		State:      NormalizeState(task.Status),
		Progress:   ParseProgress(task.Progress),
		FailReason: task.FailReason,
	}
	if status.State == StateSucceeded {
		status.Progress = 100
		status.withOutputs(task.ImageURL)
	}
	return status, nil
}

var _ Client = (*Midjourney)(nil)
