package api

import (
	"errors"
	"net/http"

	"genmarket/internal/auth"
	"genmarket/internal/mirror"
	"genmarket/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// 错误码定义
const (
	// 通用错误码
	ErrCodeInvalidRequest     = "ERR_INVALID_REQUEST"
	ErrCodeUnauthorized       = "ERR_UNAUTHORIZED"
	ErrCodeForbidden          = "ERR_FORBIDDEN"
	ErrCodeNotFound           = "ERR_NOT_FOUND"
	ErrCodeInternalError      = "ERR_INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "ERR_SERVICE_UNAVAILABLE"

	// 认证错误码
	ErrCodeInvalidCredentials = "ERR_INVALID_CREDENTIALS"
	ErrCodeEmailExists        = "ERR_EMAIL_EXISTS"
	ErrCodeUserDisabled       = "ERR_USER_DISABLED"
	ErrCodeSessionExpired     = "ERR_SESSION_EXPIRED"
	ErrCodeInvalidSignature   = "ERR_INVALID_SIGNATURE"

	// 资源错误码
	ErrCodeProviderNotFound = "ERR_PROVIDER_NOT_FOUND"
	ErrCodeProviderDisabled = "ERR_PROVIDER_DISABLED"
	ErrCodeProviderExists   = "ERR_PROVIDER_EXISTS"
	ErrCodeTaskNotFound     = "ERR_TASK_NOT_FOUND"
	ErrCodeUserNotFound     = "ERR_USER_NOT_FOUND"
	ErrCodePlanNotFound     = "ERR_PLAN_NOT_FOUND"
	ErrCodeOrderNotFound    = "ERR_ORDER_NOT_FOUND"

	// 业务逻辑错误码
	ErrCodeMissingField        = "ERR_MISSING_FIELD"
	ErrCodeInsufficientBalance = "ERR_INSUFFICIENT_BALANCE"
	ErrCodeInvalidAmount       = "ERR_INVALID_AMOUNT"
	ErrCodeTooManyTasks        = "ERR_TOO_MANY_TASKS"
	ErrCodeProviderError       = "ERR_PROVIDER_ERROR"
	ErrCodeTimeoutExceeded     = "ERR_TIMEOUT_EXCEEDED"
	ErrCodeTaskFinished        = "ERR_TASK_FINISHED"
	ErrCodeMirrorUnavailable   = "ERR_MIRROR_UNAVAILABLE"
	ErrCodeMirrorFailed        = "ERR_MIRROR_FAILED"
	ErrCodeInvalidOrder        = "ERR_INVALID_ORDER"
	ErrCodeCannotModifySelf    = "ERR_CANNOT_MODIFY_SELF"
)

// APIError 统一的 API 错误响应结构
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse 返回统一格式的错误响应
func ErrorResponse(c *gin.Context, status int, code string, message string) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
	})
}

// ErrorResponseWithDetails 返回带详情的错误响应
func ErrorResponseWithDetails(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, APIError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// BadRequest 400 错误请求
func BadRequest(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusBadRequest, code, message)
}

// Unauthorized 401 未授权
func Unauthorized(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden 403 禁止访问
func Forbidden(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// NotFound 404 资源不存在
func NotFound(c *gin.Context, code string, message string) {
	ErrorResponse(c, http.StatusNotFound, code, message)
}

// InternalError 500 服务器内部错误
func InternalError(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// ServiceUnavailable 503 服务不可用
func ServiceUnavailable(c *gin.Context, message string) {
	ErrorResponse(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

// MissingField 缺少必填字段
func MissingField(c *gin.Context, field string) {
	ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeMissingField, field+" is required", gin.H{"field": field})
}

// InvalidPayload 无效的请求体
func InvalidPayload(c *gin.Context) {
	ErrorResponse(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload")
}

type serviceErrorMapping struct {
	target error
	status int
	code   string
}

// 顺序有意义：ErrTimeoutExceeded 需要先于 ErrProviderError 匹配
var serviceErrorMappings = []serviceErrorMapping{
	{service.ErrInvalidTaskType, http.StatusBadRequest, ErrCodeInvalidRequest},
	{service.ErrInvalidProvider, http.StatusBadRequest, ErrCodeInvalidRequest},
	{service.ErrInvalidAmount, http.StatusBadRequest, ErrCodeInvalidAmount},
	{service.ErrInvalidOrder, http.StatusConflict, ErrCodeInvalidOrder},
	{service.ErrProviderNotFound, http.StatusNotFound, ErrCodeProviderNotFound},
	{service.ErrTaskNotFound, http.StatusNotFound, ErrCodeTaskNotFound},
	{service.ErrPlanNotFound, http.StatusNotFound, ErrCodePlanNotFound},
	{service.ErrOrderNotFound, http.StatusNotFound, ErrCodeOrderNotFound},
	{service.ErrProviderExists, http.StatusConflict, ErrCodeProviderExists},
	{service.ErrProviderDisabled, http.StatusConflict, ErrCodeProviderDisabled},
	{service.ErrTaskFinished, http.StatusConflict, ErrCodeTaskFinished},
	{service.ErrMirrorUnavailable, http.StatusConflict, ErrCodeMirrorUnavailable},
	{service.ErrInsufficientBalance, http.StatusPaymentRequired, ErrCodeInsufficientBalance},
	{service.ErrTooManyConcurrentTasks, http.StatusTooManyRequests, ErrCodeTooManyTasks},
	{service.ErrTimeoutExceeded, http.StatusGatewayTimeout, ErrCodeTimeoutExceeded},
	{service.ErrProviderError, http.StatusBadGateway, ErrCodeProviderError},
	{auth.ErrInvalidSignature, http.StatusUnauthorized, ErrCodeInvalidSignature},
	{gorm.ErrRecordNotFound, http.StatusNotFound, ErrCodeNotFound},
}

// classifyServiceError 把服务层错误映射为 HTTP 状态与错误码
func classifyServiceError(err error) (int, string, bool) {
	for _, m := range serviceErrorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code, true
		}
	}
	var mirrorErr *mirror.Error
	if errors.As(err, &mirrorErr) {
		return http.StatusBadGateway, ErrCodeMirrorFailed, true
	}
	return 0, "", false
}

// writeServiceError 未识别的错误记录日志后按 500 返回 fallback
func writeServiceError(c *gin.Context, err error, fallback string) {
	if status, code, ok := classifyServiceError(err); ok {
		ErrorResponse(c, status, code, err.Error())
		return
	}
	logrus.WithContext(c.Request.Context()).WithError(err).WithField("path", c.FullPath()).Error(fallback)
	InternalError(c, fallback)
}
