package provider

import (
	"strings"

	"genmarket/internal/entity"
)

// Request is the vendor-neutral form of a generation request. Params keeps
// the merged raw parameters so adapters can forward vendor specific knobs.
type Request struct {
	TaskID         string
	TaskType       entity.TaskType
	Model          string
	Prompt         string
	NegativePrompt string
	ImageURLs      []string
	MaskURL        string
	AudioURL       string
	VideoURL       string
	Duration       int
	Resolution     string
	AspectRatio    string
	Seed           int
	Params         entity.JSONMap
}

// BuildRequest merges provider defaults with user parameters.
func BuildRequest(taskID string, taskType entity.TaskType, defaults, params entity.JSONMap) Request {
	merged := defaults.Merge(params)

	images := merged.Strings("image_urls")
	if len(images) == 0 {
		images = merged.Strings("image_url")
	}

	return Request{
		TaskID:         taskID,
		TaskType:       taskType,
		Model:          merged.String("model"),
		Prompt:         merged.String("prompt"),
		NegativePrompt: merged.String("negative_prompt"),
		ImageURLs:      images,
		MaskURL:        merged.String("mask_url"),
		AudioURL:       merged.String("audio_url"),
		VideoURL:       merged.String("video_url"),
		Duration:       merged.Int("duration"),
		Resolution:     strings.ToLower(merged.String("resolution")),
		AspectRatio:    merged.String("aspect_ratio"),
		Seed:           merged.Int("seed"),
		Params:         merged,
	}
}

// FirstImage returns the first reference image, if any.
func (r Request) FirstImage() string {
	if len(r.ImageURLs) == 0 {
		return ""
	}
	return r.ImageURLs[0]
}

// ModelOr returns the requested model or the given fallback.
func (r Request) ModelOr(fallback string) string {
	if model := strings.TrimSpace(r.Model); model != "" {
		return model
	}
	return fallback
}

// extraParams copies Params without the keys the adapter already mapped.
func (r Request) extraParams(skip ...string) map[string]interface{} {
	skipped := map[string]struct{}{
		"model": {}, "prompt": {}, "negative_prompt": {}, "image_urls": {}, "image_url": {},
		"mask_url": {}, "audio_url": {}, "video_url": {}, "duration": {}, "resolution": {},
		"aspect_ratio": {}, "seed": {}, "image_model": {}, "video_model": {},
	}
	for _, key := range skip {
		skipped[key] = struct{}{}
	}
	out := make(map[string]interface{})
	for key, value := range r.Params {
		if _, ok := skipped[key]; ok {
			continue
		}
		out[key] = value
	}
	return out
}
