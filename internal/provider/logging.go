package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

const logSnippetLimit = 120

// providerLogger 每条服务商日志都带 provider 字段，model 为空时省略
func providerLogger(ctx context.Context, providerID, model string) *logrus.Entry {
	entry := logrus.WithField("provider", providerID)
	if model = strings.TrimSpace(model); model != "" {
		entry = entry.WithField("model", model)
	}
	if ctx != nil {
		entry = entry.WithContext(ctx)
	}
	return entry
}

// observePoll 包装各服务商的查询，统一记录失败与终态
func observePoll(ctx context.Context, providerID, externalID string, poll func() (*Status, error)) (*Status, error) {
	status, err := poll()
	logger := providerLogger(ctx, providerID, "").WithField("external_id", externalID)

	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			logger = logger.WithFields(logrus.Fields{
				"status_code": perr.StatusCode,
				"code":        perr.Code,
				"temporary":   perr.Temporary(),
			})
		}
		logger.WithError(err).Warn("provider_poll_failed")
		return nil, err
	}
	if status == nil {
		return nil, nil
	}

	if !status.State.Terminal() {
		logger.WithFields(logrus.Fields{
			"state":    status.State,
			"progress": status.Progress,
		}).Debug("provider_poll_progress")
		return status, nil
	}
	fields := logrus.Fields{
		"state":        status.State,
		"output_count": len(status.OutputURLs),
	}
	if status.FailReason != "" {
		fields["fail_reason"] = logSnippet(status.FailReason)
	}
	logger.WithFields(fields).Info("provider_poll_finished")
	return status, nil
}

func logSnippet(value string) string {
	value = strings.TrimSpace(value)
	if runes := []rune(value); len(runes) > logSnippetLimit {
		return string(runes[:logSnippetLimit]) + "..."
	}
	return value
}
