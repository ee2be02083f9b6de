package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"genmarket/internal/entity"
	"genmarket/internal/utils"
)

const (
	defaultGoogleBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultGoogleVideoModel = "veo-3.0-generate-001"
	maxInlineImageBytes     = 20 << 20
)

// GoogleVideo 调用 Gemini API 的 Veo 长任务接口，提交返回 operation 名称
type GoogleVideo struct {
	id      string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewGoogleVideo(cfg entity.DbProviderConfig, client *http.Client) (*GoogleVideo, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("google api key is not configured")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	model := cfg.DefaultParams.String("model")
	if model == "" {
		model = defaultGoogleVideoModel
	}
	return &GoogleVideo{id: cfg.ID, baseURL: baseURL, apiKey: apiKey, model: model, client: client}, nil
}

type googleInlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type googleVideoInstance struct {
	Prompt string             `json:"prompt"`
	Image  *googleInlineImage `json:"image,omitempty"`
}

type googleVideoRequest struct {
	Instances  []googleVideoInstance  `json:"instances"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type googleOperation struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI                string `json:"uri"`
					BytesBase64Encoded string `json:"bytesBase64Encoded"`
					MimeType           string `json:"mimeType"`
				} `json:"video"`
			} `json:"generatedSamples"`
			RaiMediaFilteredCount   int      `json:"raiMediaFilteredCount"`
			RaiMediaFilteredReasons []string `json:"raiMediaFilteredReasons"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
}

func (g *GoogleVideo) Submit(ctx context.Context, req Request) (*Submission, error) {
	switch req.TaskType {
	case entity.TaskTypeTextToVideo, entity.TaskTypeImageToVideo:
	default:
		return nil, newError(g.id, 0, "unsupported_task_type", fmt.Sprintf("google video does not support %s", req.TaskType))
	}
	if req.Prompt == "" {
		return nil, newError(g.id, 0, "invalid_request", "prompt is required")
	}

	model := req.ModelOr(g.model)
	logger := providerLogger(ctx, g.id, model)

	instance := googleVideoInstance{Prompt: req.Prompt}
	if req.TaskType == entity.TaskTypeImageToVideo {
		if req.FirstImage() == "" {
			return nil, newError(g.id, 0, "invalid_request", "image_url is required")
		}
		image, err := g.inlineImage(ctx, req.FirstImage())
		if err != nil {
			logger.WithError(err).Warn("provider_submit_failed")
			return nil, err
		}
		instance.Image = image
	}

	parameters := req.extraParams()
	if req.AspectRatio != "" {
		parameters["aspectRatio"] = req.AspectRatio
	}
	if req.NegativePrompt != "" {
		parameters["negativePrompt"] = req.NegativePrompt
	}
	if req.Duration > 0 {
		parameters["durationSeconds"] = req.Duration
	}
	if req.Resolution != "" {
		parameters["resolution"] = req.Resolution
	}
	if req.Seed > 0 {
		parameters["seed"] = req.Seed
	}

	logger.WithFields(map[string]interface{}{
		"prompt_preview": logSnippet(req.Prompt),
		"has_image":      instance.Image != nil,
	}).Info("provider_submit_start")

	var op googleOperation
	err := httpCall{
		provider: g.id,
		client:   g.client,
		method:   http.MethodPost,
		url:      joinEndpoint(g.baseURL, "/models/"+model+":predictLongRunning"),
		headers:  map[string]string{"x-goog-api-key": g.apiKey},
		body:     googleVideoRequest{Instances: []googleVideoInstance{instance}, Parameters: parameters},
	}.do(ctx, &op)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, err
	}
	if strings.TrimSpace(op.Name) == "" {
		return nil, newError(g.id, http.StatusOK, "invalid_response", "missing operation name")
	}
	return &Submission{ExternalTaskID: op.Name}, nil
}

func (g *GoogleVideo) Poll(ctx context.Context, externalID string) (*Status, error) {
	return observePoll(ctx, g.id, externalID, func() (*Status, error) {
		return g.poll(ctx, externalID)
	})
}

func (g *GoogleVideo) poll(ctx context.Context, externalID string) (*Status, error) {
	var op googleOperation
	err := httpCall{
		provider: g.id,
		client:   g.client,
		method:   http.MethodGet,
		url:      joinEndpoint(g.baseURL, externalID),
		headers:  map[string]string{"x-goog-api-key": g.apiKey},
	}.do(ctx, &op)
	if err != nil {
		return nil, err
	}
	return googleOperationStatus(op), nil
}

func googleOperationStatus(op googleOperation) *Status {
	if !op.Done {
		return &Status{State: StateRunning}
	}
	if op.Error != nil {
		return &Status{State: StateFailed, FailReason: op.Error.Message}
	}

	status := &Status{State: StateSucceeded, Progress: 100}
	if op.Response != nil {
		resp := op.Response.GenerateVideoResponse
		for _, sample := range resp.GeneratedSamples {
			if sample.Video.URI == "" && sample.Video.BytesBase64Encoded != "" {
				// Vertex 在未指定 storageUri 时直接内联返回视频
				mimeType := sample.Video.MimeType
				if mimeType == "" {
					mimeType = "video/mp4"
				}
				status.withOutputs(utils.DataURL(mimeType, sample.Video.BytesBase64Encoded))
				continue
			}
			status.withOutputs(sample.Video.URI)
		}
		if status.OutputURL == "" && len(resp.RaiMediaFilteredReasons) > 0 {
			return &Status{State: StateFailed, FailReason: strings.Join(resp.RaiMediaFilteredReasons, "; ")}
		}
	}
	if status.OutputURL == "" {
		return &Status{State: StateFailed, FailReason: "operation finished without video"}
	}
	return status
}

// AuthorizeDownload Veo 的视频地址需要携带同一个 API Key 才能下载
func (g *GoogleVideo) AuthorizeDownload(req *http.Request) {
	if req == nil || req.URL == nil {
		return
	}
	if strings.HasSuffix(req.URL.Hostname(), "googleapis.com") {
		req.Header.Set("x-goog-api-key", g.apiKey)
	}
}

// inlineImage 下载参考图并转为 base64，data URL 直接解析
func (g *GoogleVideo) inlineImage(ctx context.Context, ref string) (*googleInlineImage, error) {
	if utils.IsDataURL(ref) {
		mimeType, payload, ok := utils.SplitDataURL(ref)
		if !ok {
			return nil, newError(g.id, 0, "invalid_request", "unsupported data url")
		}
		return &googleInlineImage{BytesBase64Encoded: payload, MimeType: mimeType}, nil
	}

	if _, err := url.ParseRequestURI(ref); err != nil {
		return nil, newError(g.id, 0, "invalid_request", "invalid image url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, newError(g.id, 0, "invalid_request", err.Error())
	}
	client := g.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(g.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newError(g.id, 0, "invalid_request", fmt.Sprintf("fetch reference image: http %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineImageBytes+1))
	if err != nil {
		return nil, transportError(g.id, err)
	}
	if len(data) > maxInlineImageBytes {
		return nil, newError(g.id, 0, "invalid_request", "reference image too large")
	}

	mimeType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	return &googleInlineImage{BytesBase64Encoded: base64.StdEncoding.EncodeToString(data), MimeType: mimeType}, nil
}

var _ Client = (*GoogleVideo)(nil)
var _ DownloadAuthorizer = (*GoogleVideo)(nil)
