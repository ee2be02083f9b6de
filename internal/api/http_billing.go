package api

import (
	"net/http"
	"strings"

	"genmarket/internal/auth"
	"genmarket/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"
)

// 支付渠道回调中表示支付成功的状态取值
var paidCallbackStatuses = map[string]struct{}{
	"paid":      {},
	"succeeded": {},
	"success":   {},
}

func (h *HTTPHandler) ListPlans(c *gin.Context) {
	includeInactive := CurrentUser(c).IsAdmin() && c.Query("all") == "true"
	plans, err := h.billing.ListPlans(c.Request.Context(), includeInactive)
	if err != nil {
		writeServiceError(c, err, "加载套餐失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (h *HTTPHandler) ListSubscriptions(c *gin.Context) {
	subs, err := h.billing.ListSubscriptions(c.Request.Context(), CurrentUser(c).ID)
	if err != nil {
		writeServiceError(c, err, "加载订阅失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func (h *HTTPHandler) CreateOrder(c *gin.Context) {
	var req entity.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload", err.Error())
		return
	}
	order, err := h.billing.CreateOrder(c.Request.Context(), CurrentUser(c).ID, req)
	if err != nil {
		writeServiceError(c, err, "创建订单失败")
		return
	}
	c.JSON(http.StatusCreated, order)
}

// PaymentCallback 支付渠道异步通知。签名覆盖原始请求体，
// 同一交易号重复投递时返回 200 但不再入账
func (h *HTTPHandler) PaymentCallback(c *gin.Context) {
	secret := strings.TrimSpace(h.cfg.PaymentCallbackSecret)
	if secret == "" {
		ServiceUnavailable(c, "payment callback is not configured")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		InvalidPayload(c)
		return
	}
	if err := auth.VerifyPayload(secret, body, c.GetHeader(PaymentSignatureHeader)); err != nil {
		logrus.WithField("client_ip", c.ClientIP()).Warn("payment_callback_bad_signature")
		ErrorResponse(c, http.StatusUnauthorized, ErrCodeInvalidSignature, err.Error())
		return
	}

	var callback entity.PaymentCallback
	if err := binding.JSON.BindBody(body, &callback); err != nil {
		InvalidPayload(c)
		return
	}

	logger := logrus.WithFields(logrus.Fields{
		"order_no":       callback.OrderNo,
		"transaction_id": callback.TransactionID,
		"status":         callback.Status,
	})
	if _, ok := paidCallbackStatuses[strings.ToLower(strings.TrimSpace(callback.Status))]; !ok {
		logger.Info("payment_callback_ignored")
		c.JSON(http.StatusOK, gin.H{"received": true, "applied": false})
		return
	}

	order, applied, err := h.billing.CompletePayment(c.Request.Context(), callback.OrderNo, callback.TransactionID)
	if err != nil {
		logger.WithError(err).Warn("payment_callback_rejected")
		writeServiceError(c, err, "处理支付回调失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "applied": applied, "order": order})
}

// SavePlan 新建或更新套餐，请求体带 id 时为更新
func (h *HTTPHandler) SavePlan(c *gin.Context) {
	var req entity.PlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload", err.Error())
		return
	}
	plan, err := h.billing.SavePlan(c.Request.Context(), req)
	if err != nil {
		writeServiceError(c, err, "保存套餐失败")
		return
	}
	status := http.StatusOK
	if req.ID == 0 {
		status = http.StatusCreated
	}
	c.JSON(status, plan)
}

// ActivateSubscription 管理员直接为用户开通订阅，不经过支付
func (h *HTTPHandler) ActivateSubscription(c *gin.Context) {
	var req entity.ActivateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}
	sub, err := h.billing.ActivateSubscription(c.Request.Context(), req.UserID, req.PlanID)
	if err != nil {
		writeServiceError(c, err, "开通订阅失败")
		return
	}
	c.JSON(http.StatusCreated, sub)
}
