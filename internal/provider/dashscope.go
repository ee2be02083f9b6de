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

const defaultDashscopeBaseURL = "https://dashscope.aliyuncs.com"

const (
	dashscopeVideoPath    = "/api/v1/services/aigc/video-generation/video-synthesis"
	dashscopeKeyframePath = "/api/v1/services/aigc/image2video/video-synthesis"
	dashscopeImagePath    = "/api/v1/services/aigc/text2image/image-synthesis"
	dashscopeTaskPath     = "/api/v1/tasks/"
)

// Dashscope 调用阿里云百炼（通义万相）异步任务接口，提交后按 task_id 轮询
type Dashscope struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewDashscope(cfg entity.DbProviderConfig, client *http.Client) (*Dashscope, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("dashscope api key is not configured")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultDashscopeBaseURL
	}
	return &Dashscope{id: cfg.ID, baseURL: baseURL, apiKey: apiKey, client: client}, nil
}

type dashscopeAsset struct {
	URL      string `json:"url"`
	VideoURL string `json:"video_url"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

type dashscopeOutput struct {
	TaskID     string           `json:"task_id"`
	TaskStatus string           `json:"task_status"`
	VideoURL   string           `json:"video_url"`
	Results    []dashscopeAsset `json:"results"`
	Code       string           `json:"code"`
	Message    string           `json:"message"`
}

type dashscopeResponse struct {
	RequestID string          `json:"request_id"`
	Output    dashscopeOutput `json:"output"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}

// urls 收集视频与图片结果，去重并保持顺序
func (o dashscopeOutput) urls() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	add(o.VideoURL)
	for _, asset := range o.Results {
		add(asset.VideoURL)
		add(asset.URL)
	}
	return out
}

func (o dashscopeOutput) failReason() string {
	if msg := strings.TrimSpace(o.Message); msg != "" {
		if o.Code != "" {
			return o.Code + ": " + msg
		}
		return msg
	}
	for _, asset := range o.Results {
		if asset.Message != "" {
			return asset.Message
		}
	}
	return strings.ToLower(o.TaskStatus)
}

// buildBody 按任务类型选择接口；两张参考图时走首尾帧接口
func (d *Dashscope) buildBody(req Request) (string, map[string]interface{}, error) {
	input := map[string]interface{}{"prompt": req.Prompt}
	if req.NegativePrompt != "" {
		input["negative_prompt"] = req.NegativePrompt
	}
	parameters := req.extraParams()
	if _, ok := parameters["prompt_extend"]; !ok {
		parameters["prompt_extend"] = true
	}
	if req.Seed != 0 {
		parameters["seed"] = req.Seed
	}

	var path, model string
	switch req.TaskType {
	case entity.TaskTypeTextToVideo:
		path, model = dashscopeVideoPath, req.ModelOr("wan2.2-t2v-plus")
		setDashscopeVideoParams(parameters, req)
	case entity.TaskTypeImageToVideo:
		switch len(req.ImageURLs) {
		case 0:
			return "", nil, errors.New("image_to_video requires an image_url")
		case 1:
			path, model = dashscopeVideoPath, req.ModelOr("wan2.2-i2v-plus")
			input["img_url"] = req.ImageURLs[0]
		default:
			path, model = dashscopeKeyframePath, req.ModelOr("wan2.1-kf2v-plus")
			input["first_frame_url"] = req.ImageURLs[0]
			input["last_frame_url"] = req.ImageURLs[len(req.ImageURLs)-1]
		}
		setDashscopeVideoParams(parameters, req)
	case entity.TaskTypeTextToImage:
		path, model = dashscopeImagePath, req.ModelOr("wan2.2-t2i-flash")
		delete(parameters, "prompt_extend")
		if _, ok := parameters["n"]; !ok {
			parameters["n"] = 1
		}
	default:
		return "", nil, fmt.Errorf("dashscope does not support %s", req.TaskType)
	}

	return path, map[string]interface{}{
		"model":      model,
		"input":      input,
		"parameters": parameters,
	}, nil
}

// 百炼的分辨率档位为大写，如 480P、720P、1080P
func setDashscopeVideoParams(parameters map[string]interface{}, req Request) {
	if req.Resolution != "" {
		parameters["resolution"] = strings.ToUpper(req.Resolution)
	}
	if req.Duration > 0 {
		parameters["duration"] = req.Duration
	}
}

func (d *Dashscope) headers(async bool) map[string]string {
	h := map[string]string{"Authorization": "Bearer " + d.apiKey}
	if async {
		h["X-DashScope-Async"] = "enable"
	}
	return h
}

func (d *Dashscope) Submit(ctx context.Context, req Request) (*Submission, error) {
	path, body, err := d.buildBody(req)
	if err != nil {
		return nil, newError(d.id, 0, "unsupported_task_type", err.Error())
	}

	logger := providerLogger(ctx, d.id, fmt.Sprint(body["model"]))
	logger.WithFields(map[string]interface{}{
		"task_type":      req.TaskType,
		"image_count":    len(req.ImageURLs),
		"prompt_preview": logSnippet(req.Prompt),
	}).Info("provider_submit_start")

	var resp dashscopeResponse
	err = httpCall{
		provider: d.id,
		client:   d.client,
		method:   http.MethodPost,
		url:      joinEndpoint(d.baseURL, path),
		headers:  d.headers(true),
		body:     body,
	}.do(ctx, &resp)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, err
	}
	if resp.Code != "" && !strings.EqualFold(resp.Code, "success") {
		return nil, newError(d.id, http.StatusOK, resp.Code, resp.Message)
	}
	taskID := strings.TrimSpace(resp.Output.TaskID)
	if taskID == "" {
		return nil, newError(d.id, http.StatusOK, "invalid_response", "missing task_id")
	}
	logger.WithFields(map[string]interface{}{
		"external_id": taskID,
		"request_id":  resp.RequestID,
	}).Info("provider_submit_accepted")
	return &Submission{ExternalTaskID: taskID}, nil
}

func (d *Dashscope) Poll(ctx context.Context, externalID string) (*Status, error) {
	return observePoll(ctx, d.id, externalID, func() (*Status, error) {
		return d.poll(ctx, externalID)
	})
}

func (d *Dashscope) poll(ctx context.Context, externalID string) (*Status, error) {
	var resp dashscopeResponse
	err := httpCall{
		provider: d.id,
		client:   d.client,
		method:   http.MethodGet,
		url:      joinEndpoint(d.baseURL, dashscopeTaskPath+url.PathEscape(externalID)),
		headers:  d.headers(false),
	}.do(ctx, &resp)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(resp.Output.TaskStatus)
	status := &Status{}
	switch strings.ToUpper(raw) {
	// UNKNOWN 表示任务不存在或已过期
	case "UNKNOWN":
		status.State = StateFailed
	default:
		status.State = NormalizeState(raw)
	}

	switch status.State {
	case StateSucceeded:
		status.Progress = 100
		status.withOutputs(resp.Output.urls()...)
		if status.OutputURL == "" {
			status.State = StateFailed
			status.FailReason = "task succeeded without output url"
		}
	case StateFailed:
		status.FailReason = resp.Output.failReason()
	}
	return status, nil
}

// Cancel 只对排队中的任务生效，运行中的任务由百炼返回错误
func (d *Dashscope) Cancel(ctx context.Context, externalID string) error {
	return httpCall{
		provider: d.id,
		client:   d.client,
		method:   http.MethodPost,
		url:      joinEndpoint(d.baseURL, dashscopeTaskPath+url.PathEscape(externalID)+"/cancel"),
		headers:  d.headers(false),
	}.do(ctx, nil)
}

var (
	_ Client   = (*Dashscope)(nil)
	_ Canceler = (*Dashscope)(nil)
)
