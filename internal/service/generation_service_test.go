package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"genmarket/internal/cache"
	"genmarket/internal/entity"
	"genmarket/internal/ledger"
	"genmarket/internal/mirror"
	"genmarket/internal/model"
	"genmarket/internal/provider"
	"genmarket/internal/storage"

	"github.com/shopspring/decimal"
)

const testUserID uint = 42

var fixtureSeq atomic.Int32

// fakeClient 记录调用次数，返回预设的提交与查询结果
type fakeClient struct {
	mu         sync.Mutex
	submitErr  error
	submission *provider.Submission
	status     *provider.Status
	pollErr    error

	submits atomic.Int32
	polls   atomic.Int32
	cancels atomic.Int32
}

func (f *fakeClient) Submit(ctx context.Context, req provider.Request) (*provider.Submission, error) {
	f.submits.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submission != nil {
		copied := *f.submission
		return &copied, nil
	}
	return &provider.Submission{ExternalTaskID: fmt.Sprintf("ext-%d", f.submits.Load())}, nil
}

func (f *fakeClient) Poll(ctx context.Context, externalID string) (*provider.Status, error) {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.status == nil {
		return &provider.Status{State: provider.StateQueued}, nil
	}
	copied := *f.status
	return &copied, nil
}

func (f *fakeClient) Cancel(ctx context.Context, externalID string) error {
	f.cancels.Add(1)
	return nil
}

func (f *fakeClient) setStatus(status *provider.Status) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

type generationFixture struct {
	repo      model.Repository
	providers *cache.ProviderConfigs
	client    *fakeClient
	service   *GenerationService
}

func testProviderConfig() entity.DbProviderConfig {
	return entity.DbProviderConfig{
		ID:                 "flux",
		Name:               "FLUX",
		Driver:             entity.ProviderDriverFlux,
		Enabled:            true,
		APIKey:             "test-key",
		Pricing:            entity.PricingTable{Default: decimal.NewFromInt(30)},
		MaxConcurrentTasks: 5,
		TaskTimeoutSeconds: 600,
	}
}

func newGenerationFixture(t *testing.T, cfg entity.DbProviderConfig, balance int64) *generationFixture {
	t.Helper()
	ctx := context.Background()

	repo, err := model.NewMemoryRepository(fmt.Sprintf("generation_%d", fixtureSeq.Add(1)))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if err := repo.CreateProviderConfig(ctx, &cfg); err != nil {
		t.Fatalf("create provider config: %v", err)
	}
	if balance > 0 {
		err := repo.Transaction(ctx, func(tx model.Repository) error {
			_, err := ledger.Grant(ctx, tx, testUserID, decimal.NewFromInt(balance), entity.LedgerReasonAdminGrant, "seed", "")
			return err
		})
		if err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}

	local, err := storage.NewLocalStorage(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}

	providers := cache.NewProviderConfigs(repo, cache.NewMemory(time.Minute))
	client := &fakeClient{}
	svc := NewGenerationService(repo, providers, mirror.NewService(repo, local, mirror.Options{Attempts: 3}))
	svc.newClient = func(entity.DbProviderConfig) (provider.Client, error) {
		return client, nil
	}
	t.Cleanup(svc.Wait)

	return &generationFixture{repo: repo, providers: providers, client: client, service: svc}
}

func (f *generationFixture) submit(t *testing.T) (*entity.DbGenerationTask, error) {
	t.Helper()
	return f.service.SubmitGeneration(context.Background(), SubmitRequest{
		UserID:     testUserID,
		Provider:   "flux",
		TaskType:   entity.TaskTypeTextToImage,
		Parameters: entity.JSONMap{"prompt": "a red fox in snow"},
	})
}

func (f *generationFixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	account, err := f.repo.GetCreditAccount(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return account.Balance
}

// taskEntries 返回与任务相关的流水（不含初始充值）
func (f *generationFixture) taskEntries(t *testing.T) []entity.DbCreditLedgerEntry {
	t.Helper()
	entries, err := f.repo.ReplayLedgerEntries(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("replay ledger: %v", err)
	}
	var out []entity.DbCreditLedgerEntry
	for _, entry := range entries {
		if entry.RelatedTaskID != "" {
			out = append(out, entry)
		}
	}
	return out
}

func (f *generationFixture) assertAudit(t *testing.T) {
	t.Helper()
	entries, err := f.repo.ReplayLedgerEntries(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("replay ledger: %v", err)
	}
	if audit := ledger.Audit(testUserID, f.balance(t), entries); !audit.OK {
		t.Fatalf("balance %s does not match replay %s", audit.Balance, audit.Replayed)
	}
}

func owner() Requester {
	return Requester{UserID: testUserID}
}

func TestSubmitGeneration(t *testing.T) {
	tests := []struct {
		name        string
		balance     int64
		submitErr   error
		wantErr     error
		wantStatus  entity.TaskStatus
		wantBalance int64
		wantEntries []int64
		wantTask    bool
	}{
		{
			name:        "提交成功预扣积分",
			balance:     100,
			wantStatus:  entity.TaskStatusSubmitted,
			wantBalance: 70,
			wantEntries: []int64{-30},
			wantTask:    true,
		},
		{
			name:        "服务商拒绝后退款",
			balance:     100,
			submitErr:   &provider.Error{Provider: "flux", StatusCode: http.StatusBadRequest, Code: "invalid_request", Message: "prompt rejected"},
			wantErr:     ErrProviderError,
			wantStatus:  entity.TaskStatusFailed,
			wantBalance: 100,
			wantEntries: []int64{-30, 30},
			wantTask:    true,
		},
		{
			name:        "提交超时退款",
			balance:     100,
			submitErr:   fmt.Errorf("flux: %w", context.DeadlineExceeded),
			wantErr:     ErrTimeoutExceeded,
			wantStatus:  entity.TaskStatusFailed,
			wantBalance: 100,
			wantEntries: []int64{-30, 30},
			wantTask:    true,
		},
		{
			name:        "余额不足不落任何数据",
			balance:     10,
			wantErr:     ErrInsufficientBalance,
			wantBalance: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGenerationFixture(t, testProviderConfig(), tt.balance)
			f.client.submitErr = tt.submitErr

			task, err := f.submit(t)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			if got := f.balance(t); !got.Equal(decimal.NewFromInt(tt.wantBalance)) {
				t.Errorf("balance = %s, want %d", got, tt.wantBalance)
			}

			entries := f.taskEntries(t)
			if len(entries) != len(tt.wantEntries) {
				t.Fatalf("expected %d task entries, got %d", len(tt.wantEntries), len(entries))
			}
			for i, want := range tt.wantEntries {
				if !entries[i].Amount.Equal(decimal.NewFromInt(want)) {
					t.Errorf("entry %d amount = %s, want %d", i, entries[i].Amount, want)
				}
			}

			_, meta, err := f.repo.ListTasks(context.Background(), &entity.TaskQuery{UserID: testUserID})
			if err != nil {
				t.Fatalf("list tasks: %v", err)
			}
			if !tt.wantTask {
				if meta.Total != 0 || task != nil {
					t.Fatalf("expected no task row, got %d", meta.Total)
				}
				if f.client.submits.Load() != 0 {
					t.Fatal("vendor must not be called without a reservation")
				}
				return
			}
			if meta.Total != 1 {
				t.Fatalf("expected one task row, got %d", meta.Total)
			}
			if task == nil || task.Status != tt.wantStatus {
				t.Fatalf("expected status %s, got %+v", tt.wantStatus, task)
			}
			if tt.wantStatus == entity.TaskStatusSubmitted && task.ExternalTaskID == "" {
				t.Error("expected external task id to be stored")
			}
			if tt.wantStatus == entity.TaskStatusFailed && !task.Refunded {
				t.Error("expected failed task to be marked refunded")
			}
			f.assertAudit(t)
		})
	}
}

func TestSubmitGenerationAdmission(t *testing.T) {
	ctx := context.Background()

	t.Run("超出并发上限", func(t *testing.T) {
		cfg := testProviderConfig()
		cfg.MaxConcurrentTasks = 1
		f := newGenerationFixture(t, cfg, 100)

		if _, err := f.submit(t); err != nil {
			t.Fatalf("first submit: %v", err)
		}
		if _, err := f.submit(t); !errors.Is(err, ErrTooManyConcurrentTasks) {
			t.Fatalf("expected ErrTooManyConcurrentTasks, got %v", err)
		}
		if got := f.balance(t); !got.Equal(decimal.NewFromInt(70)) {
			t.Fatalf("rejected submit must not reserve, balance = %s", got)
		}
		if n := len(f.taskEntries(t)); n != 1 {
			t.Fatalf("expected one reserve entry, got %d", n)
		}
	})

	t.Run("服务商已禁用", func(t *testing.T) {
		cfg := testProviderConfig()
		cfg.Enabled = false
		f := newGenerationFixture(t, cfg, 100)

		if _, err := f.submit(t); !errors.Is(err, ErrProviderDisabled) {
			t.Fatalf("expected ErrProviderDisabled, got %v", err)
		}
		if got := f.balance(t); !got.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("balance changed: %s", got)
		}
	})

	t.Run("服务商不存在", func(t *testing.T) {
		f := newGenerationFixture(t, testProviderConfig(), 100)
		_, err := f.service.SubmitGeneration(ctx, SubmitRequest{
			UserID:   testUserID,
			Provider: "unknown",
			TaskType: entity.TaskTypeTextToImage,
		})
		if !errors.Is(err, ErrProviderNotFound) {
			t.Fatalf("expected ErrProviderNotFound, got %v", err)
		}
	})

	t.Run("任务类型非法", func(t *testing.T) {
		f := newGenerationFixture(t, testProviderConfig(), 100)
		_, err := f.service.SubmitGeneration(ctx, SubmitRequest{
			UserID:   testUserID,
			Provider: "flux",
			TaskType: "text_to_music",
		})
		if !errors.Is(err, ErrInvalidTaskType) {
			t.Fatalf("expected ErrInvalidTaskType, got %v", err)
		}
	})
}

func TestCheckStatusSucceededMirrorsOnce(t *testing.T) {
	var downloads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG fake image"))
	}))
	defer server.Close()

	f := newGenerationFixture(t, testProviderConfig(), 100)
	task, err := f.submit(t)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.client.setStatus(&provider.Status{State: provider.StateSucceeded, Progress: 100, OutputURL: server.URL + "/out.png"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.CheckStatus(context.Background(), task.ID, owner()); err != nil {
				t.Errorf("check status: %v", err)
			}
		}()
	}
	wg.Wait()
	f.service.Wait()

	if n := downloads.Load(); n != 1 {
		t.Fatalf("expected exactly one download, got %d", n)
	}
	assets, err := f.repo.ListMirroredAssets(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 1 || assets[0].Status != entity.AssetStatusUploaded {
		t.Fatalf("expected one uploaded asset, got %+v", assets)
	}

	stored, err := f.service.CheckStatus(context.Background(), task.ID, owner())
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if stored.Status != entity.TaskStatusSucceeded || stored.Refunded {
		t.Fatalf("unexpected task state: %+v", stored)
	}
	if !strings.HasPrefix(stored.DurableURL, "/files/flux/") {
		t.Errorf("durable url = %q", stored.DurableURL)
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(70)) {
		t.Errorf("succeeded task must keep the charge, balance = %s", got)
	}
	f.assertAudit(t)
}

func TestCheckStatusFailedRefundsOnce(t *testing.T) {
	f := newGenerationFixture(t, testProviderConfig(), 100)
	task, err := f.submit(t)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.client.setStatus(&provider.Status{State: provider.StateFailed, FailReason: "nsfw content"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.CheckStatus(context.Background(), task.ID, owner()); err != nil {
				t.Errorf("check status: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, err := f.service.CheckStatus(context.Background(), task.ID, owner())
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if stored.Status != entity.TaskStatusFailed || stored.FailReason != "nsfw content" || !stored.Refunded {
		t.Fatalf("unexpected task state: %+v", stored)
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", got)
	}
	refunds := 0
	for _, entry := range f.taskEntries(t) {
		if entry.Reason == entity.LedgerReasonTaskRefund {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("expected exactly one refund entry, got %d", refunds)
	}
	f.assertAudit(t)
}

func TestCheckStatusTransitions(t *testing.T) {
	tests := []struct {
		name         string
		status       *provider.Status
		pollErr      error
		wantErr      error
		wantStatus   entity.TaskStatus
		wantProgress int
		wantBalance  int64
		wantRefunded bool
	}{
		{
			name:        "排队中保持 submitted",
			status:      &provider.Status{State: provider.StateQueued},
			wantStatus:  entity.TaskStatusSubmitted,
			wantBalance: 70,
		},
		{
			name:         "运行中更新进度",
			status:       &provider.Status{State: provider.StateRunning, Progress: 45},
			wantStatus:   entity.TaskStatusRunning,
			wantProgress: 45,
			wantBalance:  70,
		},
		{
			name:         "成功但没有产物按失败退款",
			status:       &provider.Status{State: provider.StateSucceeded},
			wantStatus:   entity.TaskStatusFailed,
			wantBalance:  100,
			wantRefunded: true,
		},
		{
			name:         "服务商侧取消按失败退款",
			status:       &provider.Status{State: provider.StateCancelled},
			wantStatus:   entity.TaskStatusFailed,
			wantBalance:  100,
			wantRefunded: true,
		},
		{
			name:        "查询出错不改变任务",
			pollErr:     &provider.Error{Provider: "flux", StatusCode: http.StatusBadGateway, Message: "upstream unavailable"},
			wantErr:     ErrProviderError,
			wantStatus:  entity.TaskStatusSubmitted,
			wantBalance: 70,
		},
		{
			name:        "服务商暂不可用保持原状态",
			pollErr:     &provider.Error{Provider: "flux", StatusCode: http.StatusServiceUnavailable, Message: "overloaded"},
			wantErr:     ErrProviderError,
			wantStatus:  entity.TaskStatusSubmitted,
			wantBalance: 70,
		},
		{
			name:        "限流保持原状态",
			pollErr:     &provider.Error{Provider: "flux", StatusCode: http.StatusTooManyRequests, Message: "slow down"},
			wantErr:     ErrProviderError,
			wantStatus:  entity.TaskStatusSubmitted,
			wantBalance: 70,
		},
		{
			name:         "外部任务不存在按失败退款",
			pollErr:      &provider.Error{Provider: "flux", StatusCode: http.StatusNotFound, Code: "task_not_found", Message: "no such task"},
			wantStatus:   entity.TaskStatusFailed,
			wantBalance:  100,
			wantRefunded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGenerationFixture(t, testProviderConfig(), 100)
			task, err := f.submit(t)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			f.client.setStatus(tt.status)
			f.client.pollErr = tt.pollErr

			_, err = f.service.CheckStatus(context.Background(), task.ID, owner())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}

			stored, err := f.repo.GetTask(context.Background(), task.ID)
			if err != nil {
				t.Fatalf("get task: %v", err)
			}
			if stored.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", stored.Status, tt.wantStatus)
			}
			if stored.Progress != tt.wantProgress {
				t.Errorf("progress = %d, want %d", stored.Progress, tt.wantProgress)
			}
			if got := f.balance(t); !got.Equal(decimal.NewFromInt(tt.wantBalance)) {
				t.Errorf("balance = %s, want %d", got, tt.wantBalance)
			}
			refunds := 0
			for _, entry := range f.taskEntries(t) {
				if entry.Reason == entity.LedgerReasonTaskRefund {
					refunds++
				}
			}
			wantRefunds := 0
			if tt.wantRefunded {
				wantRefunds = 1
			}
			if refunds != wantRefunds {
				t.Errorf("refund entries = %d, want %d", refunds, wantRefunds)
			}
			if stored.Refunded != tt.wantRefunded {
				t.Errorf("refunded = %v, want %v", stored.Refunded, tt.wantRefunded)
			}
			f.assertAudit(t)
		})
	}
}

func TestCheckStatusWithDisabledProvider(t *testing.T) {
	ctx := context.Background()
	f := newGenerationFixture(t, testProviderConfig(), 100)
	task, err := f.submit(t)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	disabled := false
	if err := f.repo.UpdateProviderConfig(ctx, "flux", entity.ProviderConfigUpdates{Enabled: &disabled}); err != nil {
		t.Fatalf("disable provider: %v", err)
	}
	if err := f.providers.Invalidate(ctx, "flux"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, err := f.submit(t); !errors.Is(err, ErrProviderDisabled) {
		t.Fatalf("expected new submissions to be rejected, got %v", err)
	}

	f.client.setStatus(&provider.Status{State: provider.StateRunning, Progress: 10})
	stored, err := f.service.CheckStatus(ctx, task.ID, owner())
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if stored.Status != entity.TaskStatusRunning {
		t.Fatalf("in-flight task should still be polled, got %s", stored.Status)
	}
	if f.client.polls.Load() != 1 {
		t.Fatalf("expected one poll, got %d", f.client.polls.Load())
	}
}

func TestCheckStatusTaskTimeout(t *testing.T) {
	f := newGenerationFixture(t, testProviderConfig(), 100)
	task, err := f.submit(t)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.service.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	stored, err := f.service.CheckStatus(context.Background(), task.ID, owner())
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if stored.Status != entity.TaskStatusFailed || !strings.Contains(stored.FailReason, "timeout") {
		t.Fatalf("expected timeout failure, got %+v", stored)
	}
	if f.client.polls.Load() != 0 {
		t.Error("timed out task must not be polled")
	}
	if f.client.cancels.Load() != 1 {
		t.Errorf("expected vendor cancel, got %d", f.client.cancels.Load())
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, want 100", got)
	}
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	f := newGenerationFixture(t, testProviderConfig(), 100)
	task, err := f.submit(t)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.service.CancelTask(ctx, task.ID, Requester{UserID: testUserID + 1}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("other users must not see the task, got %v", err)
	}

	cancelled, err := f.service.CancelTask(ctx, task.ID, owner())
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != entity.TaskStatusCancelled || !cancelled.Refunded {
		t.Fatalf("unexpected task state: %+v", cancelled)
	}

	if _, err := f.service.CancelTask(ctx, task.ID, owner()); !errors.Is(err, ErrTaskFinished) {
		t.Fatalf("expected ErrTaskFinished on second cancel, got %v", err)
	}

	// 取消后服务商回报成功也不能覆盖终态
	f.client.setStatus(&provider.Status{State: provider.StateSucceeded, OutputURL: "https://cdn.example.com/out.png"})
	stored, err := f.service.CheckStatus(ctx, task.ID, owner())
	if err != nil {
		t.Fatalf("check status: %v", err)
	}
	if stored.Status != entity.TaskStatusCancelled {
		t.Fatalf("terminal state changed to %s", stored.Status)
	}

	if got := f.balance(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", got)
	}
	if n := len(f.taskEntries(t)); n != 2 {
		t.Fatalf("expected reserve and one refund, got %d entries", n)
	}
	if f.client.cancels.Load() != 1 {
		t.Errorf("expected one vendor cancel, got %d", f.client.cancels.Load())
	}
}

func TestSubmitGenerationSynchronousResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg bytes"))
	}))
	defer server.Close()

	f := newGenerationFixture(t, testProviderConfig(), 100)
	f.client.submission = &provider.Submission{
		ExternalTaskID: "image:sync",
		Result:         &provider.Status{State: provider.StateSucceeded, Progress: 100, OutputURL: server.URL + "/a.jpg"},
	}

	task, err := f.submit(t)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != entity.TaskStatusSucceeded || task.OutputURL == "" {
		t.Fatalf("expected synchronous success, got %+v", task)
	}
	f.service.Wait()

	assets, err := f.service.ListAssets(context.Background(), task.ID, owner())
	if err != nil {
		t.Fatalf("list assets: %v", err)
	}
	if len(assets) != 1 || assets[0].Status != entity.AssetStatusUploaded {
		t.Fatalf("expected mirrored asset, got %+v", assets)
	}
	if f.client.polls.Load() != 0 {
		t.Error("synchronous result must not be polled")
	}
}

func TestSweepActiveTasks(t *testing.T) {
	f := newGenerationFixture(t, testProviderConfig(), 100)
	for i := 0; i < 3; i++ {
		if _, err := f.submit(t); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	f.client.setStatus(&provider.Status{State: provider.StateFailed, FailReason: "quota exhausted"})

	processed, err := f.service.SweepActiveTasks(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed != 3 {
		t.Fatalf("expected 3 processed tasks, got %d", processed)
	}
	active, err := f.repo.CountActiveTasks(context.Background(), testUserID, "flux")
	if err != nil || active != 0 {
		t.Fatalf("expected no active tasks, got %d (%v)", active, err)
	}
	if got := f.balance(t); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", got)
	}
}

func TestListTasksScopesToRequester(t *testing.T) {
	f := newGenerationFixture(t, testProviderConfig(), 100)
	if _, err := f.submit(t); err != nil {
		t.Fatalf("submit: %v", err)
	}

	tests := []struct {
		name      string
		query     entity.TaskQuery
		requester Requester
		want      int64
	}{
		{name: "本人可见", requester: owner(), want: 1},
		{name: "他人只能看到自己的", query: entity.TaskQuery{UserID: testUserID}, requester: Requester{UserID: 7}, want: 0},
		{name: "管理员按用户查询", query: entity.TaskQuery{UserID: testUserID}, requester: Requester{UserID: 1, IsAdmin: true}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := tt.query
			_, meta, err := f.service.ListTasks(context.Background(), &query, tt.requester)
			if err != nil {
				t.Fatalf("list tasks: %v", err)
			}
			if meta.Total != tt.want {
				t.Fatalf("total = %d, want %d", meta.Total, tt.want)
			}
		})
	}
}

func TestNotifyFiresOncePerTerminalTransition(t *testing.T) {
	f := newGenerationFixture(t, testProviderConfig(), 100)

	var mu sync.Mutex
	var events []entity.TaskStatus
	f.service.SetNotifyFunc(func(userID uint, taskID string, status entity.TaskStatus, reason string) {
		if userID != testUserID {
			t.Errorf("notify user = %d, want %d", userID, testUserID)
		}
		mu.Lock()
		events = append(events, status)
		mu.Unlock()
	})

	task, err := f.submit(t)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.client.setStatus(&provider.Status{State: provider.StateFailed, FailReason: "quota"})
	for i := 0; i < 3; i++ {
		if _, err := f.service.CheckStatus(context.Background(), task.ID, owner()); err != nil {
			t.Fatalf("check status: %v", err)
		}
	}
	if _, err := f.service.CancelTask(context.Background(), task.ID, owner()); !errors.Is(err, ErrTaskFinished) {
		t.Fatalf("expected ErrTaskFinished, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != entity.TaskStatusFailed {
		t.Fatalf("events = %v, want exactly one failed", events)
	}
}
