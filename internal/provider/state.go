package provider

import (
	"strconv"
	"strings"
)

// State is the normalized vendor job state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the vendor finished the job.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// NormalizeState maps vendor status vocabularies onto State. Unknown values
// are treated as running so the job keeps being polled.
func NormalizeState(status string) State {
	normalized := strings.ToLower(strings.TrimSpace(status))
	normalized = strings.ReplaceAll(normalized, " ", "_")

	switch normalized {
	case "pending", "queued", "in_queue", "created", "submitted", "not_start", "starting", "modal":
		return StateQueued
	case "running", "processing", "in_progress", "started":
		return StateRunning
	case "succeeded", "succeed", "success", "completed", "done", "ok", "ready":
		return StateSucceeded
	case "failed", "failure", "error", "request_moderated", "content_moderated", "task_not_found", "expired":
		return StateFailed
	case "cancelled", "canceled", "cancel", "aborted", "stopped":
		return StateCancelled
	default:
		return StateRunning
	}
}

// ParseProgress accepts "45%", "45", "0.45" style values and clamps to 0..100.
func ParseProgress(value string) int {
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "%"))
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	if f > 0 && f < 1 && strings.Contains(value, ".") {
		f *= 100
	}
	return clampProgress(int(f))
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
