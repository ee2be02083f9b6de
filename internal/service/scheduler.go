package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const schedulerJobTimeout = 10 * time.Minute

// SchedulerConfig 定时任务配置，cron 表达式为空时不注册对应任务
type SchedulerConfig struct {
	Location       *time.Location
	GrantSpec      string
	SweepSpec      string
	SweepBatchSize int
}

// Scheduler 按 cron 触发每日订阅发放与未结束任务的轮询
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler 注册定时任务，调用 Start 后开始执行。
// 上一次执行未结束时跳过本次触发。
func NewScheduler(cfg SchedulerConfig, billing *BillingService, generation *GenerationService) (*Scheduler, error) {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	cronLogger := cron.PrintfLogger(logrus.StandardLogger())
	c := cron.New(
		cron.WithLocation(location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	if spec := strings.TrimSpace(cfg.GrantSpec); spec != "" && billing != nil {
		if _, err := c.AddFunc(spec, func() { runDailyGrants(billing) }); err != nil {
			return nil, fmt.Errorf("invalid grant cron %q: %w", spec, err)
		}
	}
	if spec := strings.TrimSpace(cfg.SweepSpec); spec != "" && generation != nil {
		batch := cfg.SweepBatchSize
		if batch <= 0 {
			batch = 50
		}
		if _, err := c.AddFunc(spec, func() { sweepActiveTasks(generation, batch) }); err != nil {
			return nil, fmt.Errorf("invalid sweep cron %q: %w", spec, err)
		}
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logrus.WithField("jobs", len(s.cron.Entries())).Info("scheduler_started")
}

// Stop 停止触发新任务，并等待正在执行的任务结束或 ctx 到期
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		logrus.Warn("scheduler_stop_timeout")
	}
}

func runDailyGrants(billing *BillingService) {
	ctx, cancel := context.WithTimeout(context.Background(), schedulerJobTimeout)
	defer cancel()

	started := time.Now()
	granted, err := billing.RunDailyGrants(ctx)
	if err != nil {
		logrus.WithError(err).Error("daily_grants_failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"granted":  granted,
		"duration": time.Since(started).String(),
	}).Info("daily_grants_finished")
}

func sweepActiveTasks(generation *GenerationService, batch int) {
	ctx, cancel := context.WithTimeout(context.Background(), schedulerJobTimeout)
	defer cancel()

	processed, err := generation.SweepActiveTasks(ctx, batch)
	if err != nil {
		logrus.WithError(err).Error("task_sweep_failed")
		return
	}
	if processed > 0 {
		logrus.WithField("processed", processed).Debug("task_sweep_finished")
	}
}
