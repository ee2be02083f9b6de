// Package mirror copies provider outputs into the platform's own object
// storage so results outlive the vendor's temporary URLs.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"genmarket/internal/entity"
	"genmarket/internal/storage"
	"genmarket/internal/utils"

	"github.com/sirupsen/logrus"
)

const (
	defaultAttempts     = 3
	defaultBackoff      = 2 * time.Second
	defaultFetchTimeout = 2 * time.Minute
	defaultMaxBytes     = 512 << 20
)

// Store is the persistence surface the mirror needs.
type Store interface {
	ClaimMirroredAsset(ctx context.Context, asset *entity.DbMirroredAsset) (*entity.DbMirroredAsset, bool, error)
	ReleaseStaleMirroredAsset(ctx context.Context, id uint, before time.Time) (bool, error)
	UpdateMirroredAsset(ctx context.Context, id uint, updates entity.MirroredAssetUpdates) error
	ListMirroredAssets(ctx context.Context, taskID string) ([]entity.DbMirroredAsset, error)
	UpdateTask(ctx context.Context, id string, updates entity.TaskUpdates) error
}

// Options 转存重试与下载限制
type Options struct {
	Attempts     int
	Backoff      time.Duration
	FetchTimeout time.Duration
	MaxBytes     int64
	// StaleAfter 超过该时长仍为 pending 的记录视为进程中断遗留，可被接管
	StaleAfter time.Duration
	HTTPClient *http.Client
}

// Error is returned when every attempt failed. The task itself is untouched.
type Error struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mirror task %s failed after %d attempt(s): %v", e.TaskID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// permanentError 标记无需重试的失败
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

type Service struct {
	store   Store
	storage storage.Storage
	opts    Options
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

func NewService(store Store, st storage.Storage, opts Options) *Service {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff < 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.StaleAfter <= 0 {
		// 覆盖全部重试的最长耗时
		opts.StaleAfter = time.Duration(opts.Attempts)*(opts.FetchTimeout+time.Duration(opts.Attempts)*opts.Backoff) + time.Minute
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Service{store: store, storage: st, opts: opts, sleep: sleepContext, now: time.Now}
}

// Mirror downloads the task output and stores it under
// {provider}/{yyyy}/{mm}/{dd}/{uuid}.{ext}. Only one copy per task runs at a
// time: while another call holds the task its pending record is returned, and
// an uploaded record is returned as is. decorate may add credentials to the
// download request.
func (s *Service) Mirror(ctx context.Context, task *entity.DbGenerationTask, decorate func(*http.Request)) (*entity.DbMirroredAsset, error) {
	if s == nil || s.storage == nil {
		return nil, errors.New("mirror service not configured")
	}
	if task == nil || strings.TrimSpace(task.OutputURL) == "" {
		return nil, errors.New("task has no output url")
	}

	asset, claimed, err := s.claim(ctx, task)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return asset, nil
	}

	logger := logrus.WithContext(ctx).WithFields(logrus.Fields{
		"task_id":  task.ID,
		"provider": task.Provider,
		"asset_id": asset.ID,
	})

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		attempts = attempt
		if attempt > 1 {
			if err := s.sleep(ctx, time.Duration(attempt-1)*s.opts.Backoff); err != nil {
				lastErr = err
				break
			}
		}

		key, contentType, size, err := s.copyOnce(ctx, task, decorate)
		if err == nil {
			cloudURL := s.storage.URL(key)
			status := entity.AssetStatusUploaded
			if err := s.store.UpdateMirroredAsset(ctx, asset.ID, entity.MirroredAssetUpdates{
				Status:      &status,
				ObjectKey:   &key,
				CloudURL:    &cloudURL,
				ContentType: &contentType,
				FileSize:    &size,
				Attempts:    &attempt,
			}); err != nil {
				return nil, fmt.Errorf("update mirrored asset: %w", err)
			}
			if err := s.store.UpdateTask(ctx, task.ID, entity.TaskUpdates{DurableURL: &cloudURL}); err != nil {
				return nil, fmt.Errorf("set durable url: %w", err)
			}

			asset.Status = status
			asset.ObjectKey = key
			asset.CloudURL = cloudURL
			asset.ContentType = contentType
			asset.FileSize = size
			asset.Attempts = attempt
			logger.WithFields(logrus.Fields{"object_key": key, "attempt": attempt}).Info("mirror_uploaded")
			return asset, nil
		}

		lastErr = err
		var perm permanentError
		if errors.As(err, &perm) || storage.IsPermanent(err) {
			logger.WithError(err).WithField("attempt", attempt).Warn("mirror_permanent_failure")
			break
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("mirror_attempt_failed")
	}

	failed := entity.AssetStatusFailed
	message := lastErr.Error()
	if err := s.store.UpdateMirroredAsset(context.WithoutCancel(ctx), asset.ID, entity.MirroredAssetUpdates{
		Status:       &failed,
		Attempts:     &attempts,
		ErrorMessage: &message,
		ReleaseSlot:  true,
	}); err != nil {
		logger.WithError(err).Error("mirror_mark_failed_error")
	}
	return nil, &Error{TaskID: task.ID, Attempts: attempts, Err: lastErr}
}

// claim 占用任务的转存位置；pending 记录停留过久时接管它
func (s *Service) claim(ctx context.Context, task *entity.DbGenerationTask) (*entity.DbMirroredAsset, bool, error) {
	asset := &entity.DbMirroredAsset{
		UserID:       task.UserID,
		SourceType:   task.Provider,
		SourceTaskID: task.ID,
		SourceURL:    task.OutputURL,
		Status:       entity.AssetStatusPending,
	}
	active, claimed, err := s.store.ClaimMirroredAsset(ctx, asset)
	if err != nil {
		return nil, false, fmt.Errorf("claim mirrored asset: %w", err)
	}
	if claimed || active.Status != entity.AssetStatusPending {
		return active, claimed, nil
	}

	released, err := s.store.ReleaseStaleMirroredAsset(ctx, active.ID, s.now().Add(-s.opts.StaleAfter))
	if err != nil {
		return nil, false, fmt.Errorf("release stale mirrored asset: %w", err)
	}
	if !released {
		return active, false, nil
	}
	logrus.WithContext(ctx).WithFields(logrus.Fields{
		"task_id":  task.ID,
		"asset_id": active.ID,
	}).Warn("mirror_stale_released")

	asset = &entity.DbMirroredAsset{
		UserID:       task.UserID,
		SourceType:   task.Provider,
		SourceTaskID: task.ID,
		SourceURL:    task.OutputURL,
		Status:       entity.AssetStatusPending,
	}
	active, claimed, err = s.store.ClaimMirroredAsset(ctx, asset)
	if err != nil {
		return nil, false, fmt.Errorf("claim mirrored asset: %w", err)
	}
	return active, claimed, nil
}

// ListForTask 返回任务的全部转存记录
func (s *Service) ListForTask(ctx context.Context, taskID string) ([]entity.DbMirroredAsset, error) {
	return s.store.ListMirroredAssets(ctx, taskID)
}

func (s *Service) copyOnce(ctx context.Context, task *entity.DbGenerationTask, decorate func(*http.Request)) (string, string, int64, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	data, contentType, err := s.fetch(fetchCtx, task.OutputURL, decorate)
	if err != nil {
		return "", "", 0, err
	}

	ext := storage.ExtensionForContentType(contentType)
	if ext == "bin" {
		if fromURL := extensionFromURL(task.OutputURL); fromURL != "" {
			ext = fromURL
		}
	}

	key, err := s.storage.Save(ctx, data, storage.SaveOptions{
		Category:    task.Provider,
		Extension:   ext,
		ContentType: contentType,
	})
	if err != nil {
		return "", "", 0, err
	}
	return key, contentType, int64(len(data)), nil
}

func (s *Service) fetch(ctx context.Context, rawURL string, decorate func(*http.Request)) ([]byte, string, error) {
	if utils.IsDataURL(rawURL) {
		data, contentType, err := utils.DecodeDataURL(rawURL)
		if err != nil {
			return nil, "", permanentError{err: err}
		}
		if int64(len(data)) > s.opts.MaxBytes {
			return nil, "", permanentError{err: fmt.Errorf("inline payload exceeds %d bytes", s.opts.MaxBytes)}
		}
		return data, contentType, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", permanentError{err: err}
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download %s: http %d", logURL(rawURL), resp.StatusCode)
		if isPermanentStatus(resp.StatusCode) {
			return nil, "", permanentError{err: err}
		}
		return nil, "", err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.opts.MaxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > s.opts.MaxBytes {
		return nil, "", permanentError{err: fmt.Errorf("download exceeds %d bytes", s.opts.MaxBytes)}
	}
	if len(data) == 0 {
		return nil, "", permanentError{err: storage.ErrEmptyPayload}
	}

	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// isPermanentStatus 4xx 中只有超时与限流值得重试
func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func extensionFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" || len(ext) > 5 || strings.ContainsAny(ext, ":/") {
		return ""
	}
	return ext
}

// logURL 去掉查询参数，避免签名泄露到日志
func logURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
