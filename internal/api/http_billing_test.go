package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"genmarket/internal/auth"
	"genmarket/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (f *apiFixture) callback(t *testing.T, payload any, sign func([]byte) string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sign != nil {
		req.Header.Set(PaymentSignatureHeader, sign(raw))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestPaymentCallback(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "admin@example.com")
	userToken, _ := f.register(t, "buyer@example.com")

	w := f.do(t, http.MethodPost, "/api/orders", userToken, gin.H{"kind": "credits", "credits": "250", "amount": "2.50"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", w.Code, w.Body.String())
	}
	var order entity.DbPaymentOrder
	decode(t, w, &order)

	valid := func(body []byte) string { return auth.SignPayload(testCallbackSecret, body) }
	paid := gin.H{"order_no": order.OrderNo, "transaction_id": "ch_123", "status": "paid"}

	tests := []struct {
		name        string
		payload     any
		sign        func([]byte) string
		wantStatus  int
		wantApplied bool
	}{
		{name: "缺少签名", payload: paid, wantStatus: http.StatusUnauthorized},
		{name: "签名密钥错误", payload: paid, sign: func(b []byte) string { return auth.SignPayload("other", b) }, wantStatus: http.StatusUnauthorized},
		{name: "未支付状态只确认收到", payload: gin.H{"order_no": order.OrderNo, "transaction_id": "ch_123", "status": "pending"}, sign: valid, wantStatus: http.StatusOK},
		{name: "首次支付成功", payload: paid, sign: valid, wantStatus: http.StatusOK, wantApplied: true},
		{name: "重复回调", payload: paid, sign: valid, wantStatus: http.StatusOK},
		{name: "同一订单不同交易号", payload: gin.H{"order_no": order.OrderNo, "transaction_id": "ch_999", "status": "paid"}, sign: valid, wantStatus: http.StatusConflict},
		{name: "订单不存在", payload: gin.H{"order_no": "missing", "transaction_id": "ch_777", "status": "paid"}, sign: valid, wantStatus: http.StatusNotFound},
	}
	// 顺序相关，依次执行
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.callback(t, tt.payload, tt.sign)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if w.Code != http.StatusOK {
				return
			}
			var resp struct {
				Applied bool `json:"applied"`
			}
			decode(t, w, &resp)
			if resp.Applied != tt.wantApplied {
				t.Errorf("applied = %v, want %v", resp.Applied, tt.wantApplied)
			}
		})
	}

	if got := f.balance(t, userToken); !got.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("balance = %s, want 250", got)
	}
}

func TestPlansAndSubscriptionsOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	adminToken, _ := f.register(t, "admin@example.com")
	userToken, user := f.register(t, "member@example.com")

	if w := f.do(t, http.MethodPost, "/api/admin/plans", userToken, gin.H{"name": "Pro", "duration_days": 30}); w.Code != http.StatusForbidden {
		t.Fatalf("member saving plan: %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/admin/plans", adminToken, gin.H{"name": "Pro", "daily_credits": "40", "duration_days": 30, "price": "9.90"})
	if w.Code != http.StatusCreated {
		t.Fatalf("save plan: %d %s", w.Code, w.Body.String())
	}
	var plan entity.DbSubscriptionPlan
	decode(t, w, &plan)

	var plans struct {
		Plans []entity.DbSubscriptionPlan `json:"plans"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/plans", userToken, nil), &plans)
	if len(plans.Plans) == 0 {
		t.Fatal("active plan should be listed")
	}

	w = f.do(t, http.MethodPost, "/api/admin/subscriptions", adminToken, gin.H{"user_id": user.ID, "plan_id": plan.ID})
	if w.Code != http.StatusCreated {
		t.Fatalf("activate: %d %s", w.Code, w.Body.String())
	}
	var subs struct {
		Subscriptions []entity.DbSubscription `json:"subscriptions"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/subscriptions", userToken, nil), &subs)
	if len(subs.Subscriptions) != 1 || subs.Subscriptions[0].PlanID != plan.ID {
		t.Fatalf("subscriptions = %+v", subs.Subscriptions)
	}
	if got := f.balance(t, userToken); !got.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("balance after activation = %s, want 40", got)
	}

	var entries entity.LedgerListResponse
	decode(t, f.do(t, http.MethodGet, "/api/credits/entries", userToken, nil), &entries)
	if len(entries.Entries) != 1 || entries.Entries[0].Reason != entity.LedgerReasonSubscriptionDaily {
		t.Fatalf("entries = %+v", entries.Entries)
	}
}

func TestProviderAdminOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	adminToken, _ := f.register(t, "admin@example.com")
	userToken, _ := f.register(t, "member@example.com")

	tests := []struct {
		name       string
		body       gin.H
		wantStatus int
		wantCode   string
	}{
		{name: "未知驱动", body: gin.H{"id": "dalle", "name": "DALL-E", "driver": "dalle"}, wantStatus: http.StatusBadRequest, wantCode: ErrCodeInvalidRequest},
		{name: "ID 非法", body: gin.H{"id": "kling/eu", "name": "Kling EU", "driver": "kling"}, wantStatus: http.StatusBadRequest, wantCode: ErrCodeInvalidRequest},
		{name: "ID 已存在", body: gin.H{"id": "flux", "name": "FLUX", "driver": "flux"}, wantStatus: http.StatusConflict, wantCode: ErrCodeProviderExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/admin/providers", adminToken, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := errorCode(t, w); got != tt.wantCode {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}

	w := f.do(t, http.MethodPost, "/api/admin/providers", adminToken, gin.H{
		"id": "kling", "name": "Kling", "driver": "kling", "api_key": "ak-1234567890", "api_secret": "sk",
		"pricing": gin.H{"default": "50"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var view entity.ProviderView
	decode(t, w, &view)
	if view.APIKeyHint != "ak-1*****7890" || !view.HasAPISecret {
		t.Fatalf("view leaks or loses secrets: %+v", view)
	}

	w = f.do(t, http.MethodPatch, "/api/admin/providers/flux", adminToken, gin.H{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("disable flux: %d %s", w.Code, w.Body.String())
	}

	var public struct {
		Providers []entity.PublicProvider `json:"providers"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/providers", userToken, nil), &public)
	if len(public.Providers) != 1 || public.Providers[0].ID != "kling" {
		t.Fatalf("public providers = %+v", public.Providers)
	}

	w = f.do(t, http.MethodPost, "/api/tasks", userToken, gin.H{"provider": "flux", "task_type": "text_to_image", "parameters": gin.H{"prompt": "x"}})
	if w.Code != http.StatusConflict || errorCode(t, w) != ErrCodeProviderDisabled {
		t.Fatalf("submit to disabled provider: %d %s", w.Code, w.Body.String())
	}

	if w := f.do(t, http.MethodDelete, "/api/admin/providers/kling", adminToken, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/admin/providers/kling", adminToken, nil); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", w.Code)
	}
}
