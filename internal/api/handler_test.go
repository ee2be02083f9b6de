package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"genmarket/internal/cache"
	"genmarket/internal/config"
	"genmarket/internal/entity"
	"genmarket/internal/mirror"
	"genmarket/internal/model"
	"genmarket/internal/service"
	"genmarket/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const testCallbackSecret = "callback-secret"

var handlerSeq atomic.Int32

// fakeFlux 模拟 BFL 接口：提交返回固定 id，查询返回当前状态
type fakeFlux struct {
	server  *httptest.Server
	state   atomic.Value
	submits atomic.Int32
}

func newFakeFlux(t *testing.T) *fakeFlux {
	t.Helper()
	f := &fakeFlux{}
	f.state.Store("Pending")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/flux-pro-1.1", func(w http.ResponseWriter, r *http.Request) {
		n := f.submits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"bfl-%d"}`, n)
	})
	mux.HandleFunc("GET /v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		state := f.state.Load().(string)
		if state == "Ready" {
			fmt.Fprintf(w, `{"id":%q,"status":"Ready","result":{"sample":%q}}`, r.URL.Query().Get("id"), f.server.URL+"/sample.png")
			return
		}
		fmt.Fprintf(w, `{"id":%q,"status":%q}`, r.URL.Query().Get("id"), state)
	})
	mux.HandleFunc("GET /sample.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\nfake-image"))
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

type apiFixture struct {
	router     *gin.Engine
	repo       model.Repository
	generation *service.GenerationService
	flux       *fakeFlux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	repo, err := model.NewMemoryRepository(fmt.Sprintf("api_%d", handlerSeq.Add(1)))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	flux := newFakeFlux(t)
	err = repo.CreateProviderConfig(ctx, &entity.DbProviderConfig{
		ID:                 "flux",
		Name:               "FLUX",
		Driver:             entity.ProviderDriverFlux,
		Enabled:            true,
		BaseURL:            flux.server.URL,
		APIKey:             "bfl-test-key",
		Pricing:            entity.PricingTable{Default: decimal.NewFromInt(30)},
		MaxConcurrentTasks: 5,
	})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	local, err := storage.NewLocalStorage(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("local storage: %v", err)
	}
	snapshots := cache.NewProviderConfigs(repo, cache.NewMemory(time.Minute))
	generation := service.NewGenerationService(repo, snapshots, mirror.NewService(repo, local, mirror.Options{Attempts: 1}))
	t.Cleanup(generation.Wait)

	cfg := config.Config{
		JWTSecret:             "test-secret",
		JWTIssuer:             "genmarket",
		JWTExpirationMinutes:  60,
		PaymentCallbackSecret: testCallbackSecret,
	}
	handler, err := NewHTTPHandler(cfg, repo, generation,
		service.NewBillingService(repo, 0, time.UTC),
		service.NewProviderService(repo, snapshots))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	router := gin.New()
	handler.RegisterRoutes(router)
	return &apiFixture{router: router, repo: repo, generation: generation, flux: flux}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// register 注册并返回令牌与用户信息
func (f *apiFixture) register(t *testing.T, email string) (string, entity.UserSummary) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/auth/register", "", gin.H{"email": email, "password": "password-123"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", email, w.Code, w.Body.String())
	}
	var resp entity.AuthResponse
	decode(t, w, &resp)
	return resp.Token, resp.User
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var apiErr APIError
	decode(t, w, &apiErr)
	return apiErr.Code
}

func (f *apiFixture) balance(t *testing.T, token string) decimal.Decimal {
	t.Helper()
	w := f.do(t, http.MethodGet, "/api/credits", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: status %d body %s", w.Code, w.Body.String())
	}
	var resp entity.BalanceResponse
	decode(t, w, &resp)
	return resp.Balance
}

func TestAuthFlow(t *testing.T) {
	f := newAPIFixture(t)

	var status entity.AuthStatusResponse
	decode(t, f.do(t, http.MethodGet, "/api/auth/status", "", nil), &status)
	if status.HasUser {
		t.Fatal("fresh install must report no users")
	}

	_, first := f.register(t, "Owner@Example.com")
	if first.Role != entity.UserRoleSuperAdmin || first.Email != "owner@example.com" {
		t.Fatalf("first user = %+v", first)
	}
	memberToken, member := f.register(t, "member@example.com")
	if member.Role != entity.UserRoleUser {
		t.Fatalf("second user role = %s, want user", member.Role)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "重复邮箱", method: http.MethodPost, path: "/api/auth/register", body: gin.H{"email": "member@example.com", "password": "password-123"}, wantStatus: http.StatusBadRequest, wantCode: ErrCodeEmailExists},
		{name: "密码错误", method: http.MethodPost, path: "/api/auth/login", body: gin.H{"email": "member@example.com", "password": "wrong-pass"}, wantStatus: http.StatusUnauthorized, wantCode: ErrCodeInvalidCredentials},
		{name: "缺少令牌", method: http.MethodGet, path: "/api/auth/me", wantStatus: http.StatusUnauthorized, wantCode: ErrCodeUnauthorized},
		{name: "令牌无效", method: http.MethodGet, path: "/api/auth/me", token: "not-a-jwt", wantStatus: http.StatusUnauthorized, wantCode: ErrCodeSessionExpired},
		{name: "普通用户访问管理接口", method: http.MethodGet, path: "/api/admin/users", token: memberToken, wantStatus: http.StatusForbidden, wantCode: ErrCodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.token, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := errorCode(t, w); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}

	w := f.do(t, http.MethodPost, "/api/auth/login", "", gin.H{"email": "member@example.com", "password": "password-123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var session entity.AuthResponse
	decode(t, w, &session)
	w = f.do(t, http.MethodGet, "/api/auth/me", session.Token, nil)
	var me entity.UserSummary
	decode(t, w, &me)
	if me.ID != member.ID {
		t.Fatalf("me = %+v, want user %d", me, member.ID)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	adminToken, _ := f.register(t, "admin@example.com")
	userToken, user := f.register(t, "artist@example.com")
	otherToken, _ := f.register(t, "other@example.com")

	submit := gin.H{"provider": "flux", "task_type": "text_to_image", "parameters": gin.H{"prompt": "a lighthouse at dusk"}}

	// 余额为零时拒绝，且不产生任务
	w := f.do(t, http.MethodPost, "/api/tasks", userToken, submit)
	if w.Code != http.StatusPaymentRequired || errorCode(t, w) != ErrCodeInsufficientBalance {
		t.Fatalf("submit without credits: %d %s", w.Code, w.Body.String())
	}
	if f.flux.submits.Load() != 0 {
		t.Fatal("vendor must not be called without credits")
	}

	w = f.do(t, http.MethodPost, "/api/admin/credits/grant", adminToken, gin.H{"user_id": user.ID, "amount": "100", "note": "welcome"})
	if w.Code != http.StatusCreated {
		t.Fatalf("grant: %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/api/tasks", userToken, gin.H{"provider": "flux", "task_type": "music", "parameters": gin.H{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown task type: %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/api/tasks", userToken, submit)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	var task entity.DbGenerationTask
	decode(t, w, &task)
	if task.Status != entity.TaskStatusSubmitted || task.ExternalTaskID != "bfl-1" {
		t.Fatalf("submitted task = %+v", task)
	}
	if got := f.balance(t, userToken); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("balance after submit = %s, want 70", got)
	}

	if w := f.do(t, http.MethodGet, "/api/tasks/"+task.ID, otherToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("other user must not see the task, got %d", w.Code)
	}

	f.flux.state.Store("Ready")
	var polled struct {
		Task entity.DbGenerationTask `json:"task"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/tasks/"+task.ID, userToken, nil), &polled)
	if polled.Task.Status != entity.TaskStatusSucceeded || !strings.HasSuffix(polled.Task.OutputURL, "/sample.png") {
		t.Fatalf("polled task = %+v", polled.Task)
	}

	w = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", userToken, nil)
	if w.Code != http.StatusConflict || errorCode(t, w) != ErrCodeTaskFinished {
		t.Fatalf("cancel finished task: %d %s", w.Code, w.Body.String())
	}
	if got := f.balance(t, userToken); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("balance after success = %s, want 70", got)
	}

	f.generation.Wait()
	var assets struct {
		Assets []entity.DbMirroredAsset `json:"assets"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/tasks/"+task.ID+"/assets", userToken, nil), &assets)
	if len(assets.Assets) != 1 || assets.Assets[0].Status != entity.AssetStatusUploaded {
		t.Fatalf("assets = %+v", assets.Assets)
	}

	var list entity.TaskListResponse
	decode(t, f.do(t, http.MethodGet, "/api/tasks", otherToken, nil), &list)
	if len(list.Tasks) != 0 {
		t.Fatalf("other user listed %d tasks", len(list.Tasks))
	}

	var audit entity.LedgerAudit
	decode(t, f.do(t, http.MethodGet, fmt.Sprintf("/api/admin/credits/%d/audit", user.ID), adminToken, nil), &audit)
	if !audit.OK || audit.Entries != 2 {
		t.Fatalf("audit = %+v", audit)
	}
}

func TestCancelTaskOverHTTPRefunds(t *testing.T) {
	f := newAPIFixture(t)
	adminToken, _ := f.register(t, "admin@example.com")
	userToken, user := f.register(t, "artist@example.com")
	f.do(t, http.MethodPost, "/api/admin/credits/grant", adminToken, gin.H{"user_id": user.ID, "amount": "30"})

	w := f.do(t, http.MethodPost, "/api/tasks", userToken, gin.H{"provider": "flux", "task_type": "text_to_image", "parameters": gin.H{"prompt": "x"}})
	var task entity.DbGenerationTask
	decode(t, w, &task)

	w = f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", userToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	var cancelled entity.DbGenerationTask
	decode(t, w, &cancelled)
	if cancelled.Status != entity.TaskStatusCancelled || !cancelled.Refunded {
		t.Fatalf("cancelled task = %+v", cancelled)
	}
	if got := f.balance(t, userToken); !got.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("balance after cancel = %s, want 30", got)
	}
	if w := f.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", userToken, nil); w.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", w.Code)
	}
	if got := f.balance(t, userToken); !got.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("balance after second cancel = %s, want 30", got)
	}
}
