package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"genmarket/internal/entity"

	"github.com/golang-jwt/jwt/v5"
)

const defaultKlingBaseURL = "https://api-beijing.klingai.com"

const (
	klingKindText2Video  = "text2video"
	klingKindImage2Video = "image2video"
	klingKindLipSync     = "lip-sync"
	klingKindImages      = "images"
)

// Kling signs every call with a short lived HS256 token built from the
// access key pair. External ids carry the endpoint kind: "text2video:<id>".
type Kling struct {
	id        string
	baseURL   string
	accessKey string
	secretKey string
	client    *http.Client
	now       func() time.Time
}

func NewKling(cfg entity.DbProviderConfig, client *http.Client) (*Kling, error) {
	accessKey := strings.TrimSpace(cfg.APIKey)
	secretKey := strings.TrimSpace(cfg.APISecret)
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("kling access key and secret key are required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultKlingBaseURL
	}
	return &Kling{
		id:        cfg.ID,
		baseURL:   baseURL,
		accessKey: accessKey,
		secretKey: secretKey,
		client:    client,
		now:       time.Now,
	}, nil
}

func (k *Kling) token() (string, error) {
	now := k.now()
	claims := jwt.RegisteredClaims{
		Issuer:    k.accessKey,
		ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(k.secretKey))
}

type klingEnvelope struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
	Data      klingTask `json:"data"`
}

type klingTask struct {
	TaskID        string `json:"task_id"`
	TaskStatus    string `json:"task_status"`
	TaskStatusMsg string `json:"task_status_msg"`
	TaskResult    struct {
		Videos []struct {
			URL string `json:"url"`
		} `json:"videos"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"task_result"`
}

func klingPath(kind string) string {
	if kind == klingKindImages {
		return "/v1/images/generations"
	}
	return "/v1/videos/" + kind
}

func (k *Kling) buildBody(req Request) (string, map[string]interface{}, error) {
	body := req.extraParams()
	model := req.Model

	switch req.TaskType {
	case entity.TaskTypeTextToVideo:
		if req.Prompt == "" {
			return "", nil, errors.New("prompt is required")
		}
		setKlingModel(body, model)
		body["prompt"] = req.Prompt
		if req.NegativePrompt != "" {
			body["negative_prompt"] = req.NegativePrompt
		}
		if req.AspectRatio != "" {
			body["aspect_ratio"] = req.AspectRatio
		}
		if req.Duration > 0 {
			body["duration"] = strconv.Itoa(req.Duration)
		}
		return klingKindText2Video, body, nil
	case entity.TaskTypeImageToVideo:
		image := req.FirstImage()
		if image == "" {
			return "", nil, errors.New("image_url is required")
		}
		setKlingModel(body, model)
		body["image"] = image
		if len(req.ImageURLs) > 1 {
			body["image_tail"] = req.ImageURLs[len(req.ImageURLs)-1]
		}
		if req.Prompt != "" {
			body["prompt"] = req.Prompt
		}
		if req.Duration > 0 {
			body["duration"] = strconv.Itoa(req.Duration)
		}
		return klingKindImage2Video, body, nil
	case entity.TaskTypeLipSync:
		if req.VideoURL == "" || req.AudioURL == "" {
			return "", nil, errors.New("video_url and audio_url are required")
		}
		return klingKindLipSync, map[string]interface{}{
			"input": map[string]interface{}{
				"video_url":  req.VideoURL,
				"mode":       "audio2video",
				"audio_type": "url",
				"audio_url":  req.AudioURL,
			},
		}, nil
	case entity.TaskTypeTextToImage, entity.TaskTypeImageToImage:
		if req.Prompt == "" {
			return "", nil, errors.New("prompt is required")
		}
		setKlingModel(body, model)
		body["prompt"] = req.Prompt
		if image := req.FirstImage(); image != "" {
			body["image"] = image
		}
		if req.AspectRatio != "" {
			body["aspect_ratio"] = req.AspectRatio
		}
		body["n"] = 1
		return klingKindImages, body, nil
	default:
		return "", nil, fmt.Errorf("kling does not support %s", req.TaskType)
	}
}

func setKlingModel(body map[string]interface{}, model string) {
	if model = strings.TrimSpace(model); model != "" {
		body["model_name"] = model
	}
}

func (k *Kling) call(ctx context.Context, method, endpoint string, body interface{}) (*klingTask, error) {
	token, err := k.token()
	if err != nil {
		return nil, fmt.Errorf("%s: sign token: %w", k.id, err)
	}

	var envelope klingEnvelope
	err = httpCall{
		provider: k.id,
		client:   k.client,
		method:   method,
		url:      joinEndpoint(k.baseURL, endpoint),
		headers:  map[string]string{"Authorization": "Bearer " + token},
		body:     body,
	}.do(ctx, &envelope)
	if err != nil {
		return nil, err
	}
	if envelope.Code != 0 {
		return nil, newError(k.id, http.StatusOK, strconv.Itoa(envelope.Code), envelope.Message)
	}
	return &envelope.Data, nil
}

func (k *Kling) Submit(ctx context.Context, req Request) (*Submission, error) {
	kind, body, err := k.buildBody(req)
	if err != nil {
		return nil, newError(k.id, 0, "invalid_request", err.Error())
	}

	logger := providerLogger(ctx, k.id, req.Model).WithField("kind", kind)
	logger.WithField("prompt_preview", logSnippet(req.Prompt)).Info("provider_submit_start")

	task, err := k.call(ctx, http.MethodPost, klingPath(kind), body)
	if err != nil {
		logger.WithError(err).Warn("provider_submit_failed")
		return nil, err
	}
	if strings.TrimSpace(task.TaskID) == "" {
		return nil, newError(k.id, http.StatusOK, "invalid_response", "missing task_id")
	}
	return &Submission{ExternalTaskID: kind + ":" + task.TaskID}, nil
}

func (k *Kling) Poll(ctx context.Context, externalID string) (*Status, error) {
	return observePoll(ctx, k.id, externalID, func() (*Status, error) {
		return k.poll(ctx, externalID)
	})
}

func (k *Kling) poll(ctx context.Context, externalID string) (*Status, error) {
	kind, taskID, ok := strings.Cut(externalID, ":")
	if !ok || taskID == "" {
		return nil, newError(k.id, 0, "invalid_task_id", fmt.Sprintf("malformed external id %q", externalID))
	}

	task, err := k.call(ctx, http.MethodGet, klingPath(kind)+"/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, err
	}

	status := &Status{State: NormalizeState(task.TaskStatus)}
	switch status.State {
	case StateSucceeded:
		status.Progress = 100
		for _, video := range task.TaskResult.Videos {
			status.withOutputs(video.URL)
		}
		for _, image := range task.TaskResult.Images {
			status.withOutputs(image.URL)
		}
	case StateFailed:
		status.FailReason = task.TaskStatusMsg
	}
	return status, nil
}

var _ Client = (*Kling)(nil)
