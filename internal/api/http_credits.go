package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"genmarket/internal/entity"

	"github.com/gin-gonic/gin"
)

func (h *HTTPHandler) GetBalance(c *gin.Context) {
	user := CurrentUser(c)
	account, err := h.billing.Balance(c.Request.Context(), user.ID)
	if err != nil {
		writeServiceError(c, err, "加载余额失败")
		return
	}
	c.JSON(http.StatusOK, entity.BalanceResponse{UserID: user.ID, Balance: account.Balance})
}

// ListLedgerEntries 当前用户的积分流水，管理员可通过 user_id 查看他人
func (h *HTTPHandler) ListLedgerEntries(c *gin.Context) {
	user := CurrentUser(c)

	var query entity.LedgerQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}
	query.UserID = user.ID
	if raw := strings.TrimSpace(c.Query("user_id")); raw != "" && user.IsAdmin() {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			BadRequest(c, ErrCodeInvalidRequest, "invalid user_id")
			return
		}
		query.UserID = uint(id)
	}

	entries, meta, err := h.billing.ListEntries(c.Request.Context(), &query)
	if err != nil {
		writeServiceError(c, err, "加载积分流水失败")
		return
	}
	c.JSON(http.StatusOK, entity.LedgerListResponse{Entries: entries, Meta: meta})
}

// GrantCredits 管理员手动发放
func (h *HTTPHandler) GrantCredits(c *gin.Context) {
	admin := CurrentUser(c)

	var req entity.GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}
	entry, err := h.billing.GrantCredits(c.Request.Context(), req.UserID, req.Amount, fmt.Sprintf("admin:%d", admin.ID), strings.TrimSpace(req.Note))
	if err != nil {
		writeServiceError(c, err, "发放积分失败")
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// AuditLedger 按流水重放核对余额
func (h *HTTPHandler) AuditLedger(c *gin.Context) {
	userID, ok := parseUintParam(c, "user_id")
	if !ok {
		return
	}
	audit, err := h.billing.Audit(c.Request.Context(), userID)
	if err != nil {
		writeServiceError(c, err, "核对积分失败")
		return
	}
	c.JSON(http.StatusOK, audit)
}
