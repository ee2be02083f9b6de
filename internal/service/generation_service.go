package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"genmarket/internal/cache"
	"genmarket/internal/entity"
	"genmarket/internal/ledger"
	"genmarket/internal/mirror"
	"genmarket/internal/model"
	"genmarket/internal/provider"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const mirrorTimeout = 10 * time.Minute

// Requester 调用方身份，由认证中间件解析
type Requester struct {
	UserID  uint
	IsAdmin bool
}

// SubmitRequest 提交生成任务的参数
type SubmitRequest struct {
	UserID     uint
	Provider   string
	TaskType   entity.TaskType
	Parameters entity.JSONMap
}

// GenerationService 生成任务编排：计价、预扣、提交、轮询、退款与转存
type GenerationService struct {
	repo      model.Repository
	providers *cache.ProviderConfigs
	mirror    *mirror.Service

	// newClient 按配置快照创建服务商客户端
	newClient func(cfg entity.DbProviderConfig) (provider.Client, error)
	now       func() time.Time
	notify    NotifyFunc

	mirrors sync.WaitGroup
}

// NotifyFunc 任务进入终态时回调，只由赢得状态迁移的调用触发
type NotifyFunc func(userID uint, taskID string, status entity.TaskStatus, reason string)

// NewGenerationService 创建生成服务实例
func NewGenerationService(repo model.Repository, providers *cache.ProviderConfigs, mirrorService *mirror.Service) *GenerationService {
	return &GenerationService{
		repo:      repo,
		providers: providers,
		mirror:    mirrorService,
		newClient: func(cfg entity.DbProviderConfig) (provider.Client, error) {
			return provider.New(cfg)
		},
		now: time.Now,
	}
}

// SetNotifyFunc 设置任务结束通知（用于 SSE 推送）
func (s *GenerationService) SetNotifyFunc(fn NotifyFunc) {
	s.notify = fn
}

func (s *GenerationService) notifyFinished(task *entity.DbGenerationTask, status entity.TaskStatus, reason string) {
	if s.notify != nil {
		s.notify(task.UserID, task.ID, status, reason)
	}
}

// Wait 等待后台转存全部结束
func (s *GenerationService) Wait() {
	s.mirrors.Wait()
}

// SubmitGeneration 校验服务商、计价并预扣积分后提交到服务商。
// 余额不足或超出并发上限时不写任何数据；服务商拒绝时任务记为 failed 并退款。
func (s *GenerationService) SubmitGeneration(ctx context.Context, req SubmitRequest) (*entity.DbGenerationTask, error) {
	taskType, ok := entity.ParseTaskType(string(req.TaskType))
	if !ok {
		return nil, ErrInvalidTaskType
	}

	cfg, err := s.loadProvider(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrProviderDisabled
	}

	client, err := s.newClient(*cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	taskID := uuid.NewString()
	request := provider.BuildRequest(taskID, taskType, cfg.DefaultParams, req.Parameters)
	pricingModel := pricingModelFor(*cfg, request)
	cost := cfg.Pricing.Cost(pricingModel, taskType, request.Resolution, request.Duration)

	logger := logrus.WithContext(ctx).WithFields(logrus.Fields{
		"task_id":   taskID,
		"user_id":   req.UserID,
		"provider":  cfg.ID,
		"task_type": taskType,
	})

	now := s.now()
	task := &entity.DbGenerationTask{
		ID:          taskID,
		UserID:      req.UserID,
		Provider:    cfg.ID,
		TaskType:    taskType,
		Model:       pricingModel,
		Parameters:  req.Parameters,
		Status:      entity.TaskStatusSubmitted,
		CreditsCost: cost,
		SubmitTime:  &now,
	}

	err = s.repo.Transaction(ctx, func(tx model.Repository) error {
		// 先锁账户，同一用户的并发提交在此串行，计数才可靠
		if _, err := tx.LockCreditAccount(ctx, req.UserID); err != nil {
			return err
		}
		if cfg.MaxConcurrentTasks > 0 {
			active, err := tx.CountActiveTasks(ctx, req.UserID, cfg.ID)
			if err != nil {
				return err
			}
			if active >= int64(cfg.MaxConcurrentTasks) {
				return ErrTooManyConcurrentTasks
			}
		}
		if _, err := ledger.Reserve(ctx, tx, req.UserID, cost, taskID); err != nil {
			return err
		}
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrTooManyConcurrentTasks) {
			logger.WithError(err).Error("task_reserve_failed")
		}
		return nil, err
	}
	logger.WithField("credits_cost", cost.String()).Info("task_reserved")

	submitCtx, cancel := context.WithTimeout(ctx, cfg.SubmitTimeout())
	submission, submitErr := client.Submit(submitCtx, request)
	cancel()

	if submitErr != nil {
		cause := ErrProviderError
		if errors.Is(submitErr, context.DeadlineExceeded) {
			cause = ErrTimeoutExceeded
		}
		logger.WithError(submitErr).Warn("task_submit_failed")
		if _, err := s.finishWithRefund(ctx, task, entity.TaskStatusFailed, submitErr.Error()); err != nil {
			logger.WithError(err).Error("task_refund_failed")
			return nil, err
		}
		stored, err := s.repo.GetTask(context.WithoutCancel(ctx), taskID)
		if err != nil {
			return nil, err
		}
		return stored, fmt.Errorf("%w: %w", cause, submitErr)
	}

	externalID := strings.TrimSpace(submission.ExternalTaskID)
	won, err := s.repo.TransitionTask(context.WithoutCancel(ctx), taskID, entity.ActiveTaskStatuses, entity.TaskUpdates{ExternalTaskID: &externalID})
	if err != nil {
		return nil, err
	}
	if !won {
		// 提交期间任务已被取消，尽量通知服务商停止
		s.cancelAtVendor(ctx, client, *cfg, externalID)
		return s.repo.GetTask(ctx, taskID)
	}
	task.ExternalTaskID = externalID
	logger.WithField("external_task_id", externalID).Info("task_submitted")

	if submission.Result != nil {
		return s.applyStatus(ctx, task, client, submission.Result)
	}
	return s.repo.GetTask(ctx, taskID)
}

// CheckStatus 返回任务；未结束的任务会先向服务商查询一次。
// 服务商被禁用不影响已提交任务的查询。
func (s *GenerationService) CheckStatus(ctx context.Context, taskID string, requester Requester) (*entity.DbGenerationTask, error) {
	task, err := s.authorizedTask(ctx, taskID, requester)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}
	return s.refresh(ctx, task)
}

func (s *GenerationService) refresh(ctx context.Context, task *entity.DbGenerationTask) (*entity.DbGenerationTask, error) {
	cfg, err := s.loadProvider(ctx, task.Provider)
	if err != nil {
		return task, err
	}
	client, err := s.newClient(*cfg)
	if err != nil {
		return task, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	logger := logrus.WithContext(ctx).WithFields(logrus.Fields{
		"task_id":  task.ID,
		"provider": task.Provider,
	})

	if task.SubmitTime != nil && s.now().Sub(*task.SubmitTime) > cfg.TaskTimeout() {
		logger.Warn("task_timeout_exceeded")
		s.cancelAtVendor(ctx, client, *cfg, task.ExternalTaskID)
		if _, err := s.finishWithRefund(ctx, task, entity.TaskStatusFailed, ErrTimeoutExceeded.Error()); err != nil {
			return task, err
		}
		return s.repo.GetTask(context.WithoutCancel(ctx), task.ID)
	}

	// 提交请求尚未返回外部 ID
	if task.ExternalTaskID == "" {
		return task, nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, cfg.PollTimeout())
	status, err := client.Poll(pollCtx, task.ExternalTaskID)
	cancel()
	if err != nil {
		if !provider.IsRejected(err) {
			logger.WithError(err).Warn("task_poll_failed")
			return task, fmt.Errorf("%w: %w", ErrProviderError, err)
		}
		// 服务商明确拒绝（如任务不存在），继续轮询也不会恢复
		logger.WithError(err).Warn("task_poll_rejected")
		reason := err.Error()
		if _, err := s.finishWithRefund(ctx, task, entity.TaskStatusFailed, reason); err != nil {
			return task, err
		}
		return s.repo.GetTask(context.WithoutCancel(ctx), task.ID)
	}
	return s.applyStatus(ctx, task, client, status)
}

// applyStatus 把服务商状态写回任务。终态只由第一个写入者生效，
// 退款与转存只由赢得状态迁移的调用触发。
func (s *GenerationService) applyStatus(ctx context.Context, task *entity.DbGenerationTask, client provider.Client, status *provider.Status) (*entity.DbGenerationTask, error) {
	if status == nil {
		return task, nil
	}
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	progress := status.Progress

	switch status.State {
	case provider.StateQueued:
		if progress != task.Progress {
			if _, err := s.repo.TransitionTask(ctx, task.ID, entity.ActiveTaskStatuses, entity.TaskUpdates{Progress: &progress}); err != nil {
				return task, err
			}
		}

	case provider.StateRunning:
		running := entity.TaskStatusRunning
		updates := entity.TaskUpdates{Status: &running, Progress: &progress}
		if task.StartTime == nil {
			updates.StartTime = &now
		}
		if _, err := s.repo.TransitionTask(ctx, task.ID, entity.TransitionSources(running), updates); err != nil {
			return task, err
		}

	case provider.StateSucceeded:
		if strings.TrimSpace(status.OutputURL) == "" {
			if _, err := s.finishWithRefund(ctx, task, entity.TaskStatusFailed, "provider returned no output"); err != nil {
				return task, err
			}
			break
		}
		succeeded := entity.TaskStatusSucceeded
		full := 100
		outputURL := status.OutputURL
		updates := entity.TaskUpdates{Status: &succeeded, Progress: &full, OutputURL: &outputURL, FinishTime: &now}
		if task.StartTime == nil {
			updates.StartTime = &now
		}
		won, err := s.repo.TransitionTask(ctx, task.ID, entity.TransitionSources(succeeded), updates)
		if err != nil {
			return task, err
		}
		if won {
			logrus.WithFields(logrus.Fields{"task_id": task.ID, "provider": task.Provider}).Info("task_succeeded")
			finished := *task
			finished.Status = succeeded
			finished.OutputURL = outputURL
			s.startMirror(&finished, downloadDecorator(client))
			s.notifyFinished(task, succeeded, "")
		}

	case provider.StateFailed, provider.StateCancelled:
		reason := strings.TrimSpace(status.FailReason)
		if reason == "" {
			reason = "provider reported " + string(status.State)
		}
		if _, err := s.finishWithRefund(ctx, task, entity.TaskStatusFailed, reason); err != nil {
			return task, err
		}
	}

	return s.repo.GetTask(ctx, task.ID)
}

// finishWithRefund 把任务迁移到终态并退还预扣积分，二者在同一事务内。
// 只有赢得迁移的调用会退款，返回值表示是否由本次调用完成。
func (s *GenerationService) finishWithRefund(ctx context.Context, task *entity.DbGenerationTask, status entity.TaskStatus, reason string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	refunded := true
	won := false

	err := s.repo.Transaction(ctx, func(tx model.Repository) error {
		ok, err := tx.TransitionTask(ctx, task.ID, entity.TransitionSources(status), entity.TaskUpdates{
			Status:     &status,
			FailReason: &reason,
			Refunded:   &refunded,
			FinishTime: &now,
		})
		if err != nil || !ok {
			return err
		}
		won = true
		_, err = ledger.Refund(ctx, tx, task.UserID, task.CreditsCost, task.ID, reason)
		return err
	})
	if err != nil {
		return false, err
	}
	if won {
		logrus.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"provider": task.Provider,
			"status":   status,
			"refund":   task.CreditsCost.String(),
		}).Info("task_finished_with_refund")
		s.notifyFinished(task, status, reason)
	}
	return won, nil
}

// CancelTask 用户取消任务并退款，已结束的任务返回 ErrTaskFinished
func (s *GenerationService) CancelTask(ctx context.Context, taskID string, requester Requester) (*entity.DbGenerationTask, error) {
	task, err := s.authorizedTask(ctx, taskID, requester)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, ErrTaskFinished
	}

	if cfg, err := s.loadProvider(ctx, task.Provider); err == nil {
		if client, err := s.newClient(*cfg); err == nil {
			s.cancelAtVendor(ctx, client, *cfg, task.ExternalTaskID)
		}
	}

	won, err := s.finishWithRefund(ctx, task, entity.TaskStatusCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}
	stored, err := s.repo.GetTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		return nil, err
	}
	if !won && stored.Status != entity.TaskStatusCancelled {
		return stored, ErrTaskFinished
	}
	return stored, nil
}

// SweepActiveTasks 后台轮询未结束的任务，返回处理数量
func (s *GenerationService) SweepActiveTasks(ctx context.Context, limit int) (int, error) {
	tasks, err := s.repo.ListActiveTasks(ctx, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for i := range tasks {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.refresh(ctx, &tasks[i]); err != nil {
			logrus.WithError(err).WithField("task_id", tasks[i].ID).Warn("task_sweep_failed")
			continue
		}
		processed++
	}
	return processed, nil
}

// RetryMirror 管理端手动重新转存成功任务的产物
func (s *GenerationService) RetryMirror(ctx context.Context, taskID string) (*entity.DbMirroredAsset, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if task.Status != entity.TaskStatusSucceeded || strings.TrimSpace(task.OutputURL) == "" {
		return nil, ErrMirrorUnavailable
	}

	var decorate func(*http.Request)
	if cfg, err := s.loadProvider(ctx, task.Provider); err == nil {
		if client, err := s.newClient(*cfg); err == nil {
			decorate = downloadDecorator(client)
		}
	}
	return s.mirror.Mirror(ctx, task, decorate)
}

func (s *GenerationService) GetTask(ctx context.Context, taskID string, requester Requester) (*entity.DbGenerationTask, error) {
	return s.authorizedTask(ctx, taskID, requester)
}

func (s *GenerationService) ListTasks(ctx context.Context, params *entity.TaskQuery, requester Requester) ([]entity.DbGenerationTask, *entity.Meta, error) {
	if params == nil {
		params = &entity.TaskQuery{}
	}
	if !requester.IsAdmin || params.UserID == 0 {
		params.UserID = requester.UserID
	}
	return s.repo.ListTasks(ctx, params)
}

func (s *GenerationService) ListAssets(ctx context.Context, taskID string, requester Requester) ([]entity.DbMirroredAsset, error) {
	if _, err := s.authorizedTask(ctx, taskID, requester); err != nil {
		return nil, err
	}
	return s.mirror.ListForTask(ctx, taskID)
}

func (s *GenerationService) authorizedTask(ctx context.Context, taskID string, requester Requester) (*entity.DbGenerationTask, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	// 他人任务按不存在处理
	if !requester.IsAdmin && task.UserID != requester.UserID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *GenerationService) loadProvider(ctx context.Context, id string) (*entity.DbProviderConfig, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrProviderNotFound
	}
	cfg, err := s.providers.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func (s *GenerationService) startMirror(task *entity.DbGenerationTask, decorate func(*http.Request)) {
	if s.mirror == nil {
		return
	}
	s.mirrors.Add(1)
	go func() {
		defer s.mirrors.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if _, err := s.mirror.Mirror(ctx, task, decorate); err != nil {
			logrus.WithError(err).WithField("task_id", task.ID).Warn("task_mirror_failed")
		}
	}()
}

func (s *GenerationService) cancelAtVendor(ctx context.Context, client provider.Client, cfg entity.DbProviderConfig, externalID string) {
	canceler, ok := client.(provider.Canceler)
	if !ok || strings.TrimSpace(externalID) == "" {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.PollTimeout())
	defer cancel()
	if err := canceler.Cancel(cancelCtx, externalID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"provider":         cfg.ID,
			"external_task_id": externalID,
		}).Warn("vendor_cancel_failed")
	}
}

func downloadDecorator(client provider.Client) func(*http.Request) {
	if authorizer, ok := client.(provider.DownloadAuthorizer); ok {
		return authorizer.AuthorizeDownload
	}
	return nil
}

// pricingModelFor 计价使用的模型名，未显式指定时按任务类型取默认模型
func pricingModelFor(cfg entity.DbProviderConfig, req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	if req.TaskType.IsVideo() {
		return cfg.DefaultParams.String("video_model")
	}
	return cfg.DefaultParams.String("image_model")
}
