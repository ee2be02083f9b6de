package api

import (
	"net/http"
	"sync"
	"time"

	"genmarket/internal/auth"
	"genmarket/internal/config"
	"genmarket/internal/model"
	"genmarket/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PaymentSignatureHeader 支付回调签名头
const PaymentSignatureHeader = "X-Signature"

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg         config.Config
	repo        model.Repository
	authManager *auth.Manager

	// 服务层
	generation *service.GenerationService
	billing    *service.BillingService
	providers  *service.ProviderService

	// SSE 客户端管理，按用户 ID 分组
	sseClients map[uint][]chan sseMessage
	sseMu      sync.Mutex
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(
	cfg config.Config,
	repo model.Repository,
	generation *service.GenerationService,
	billing *service.BillingService,
	providers *service.ProviderService,
) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}
	registerValidators()

	handler := &HTTPHandler{
		cfg:         cfg,
		repo:        repo,
		authManager: authManager,
		generation:  generation,
		billing:     billing,
		providers:   providers,
		sseClients:  make(map[uint][]chan sseMessage),
	}
	if generation != nil {
		generation.SetNotifyFunc(handler.notifyTaskFinished)
	}
	return handler, nil
}

// RegisterRoutes 注册全部 API 路由
func (h *HTTPHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	apiGroup := r.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.GET("/status", h.AuthStatus)
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.GET("/me", h.AuthMiddleware(), h.Me)

	// 支付渠道回调以签名鉴权，不走用户令牌
	apiGroup.POST("/payments/callback", h.PaymentCallback)

	protected := apiGroup.Group("")
	protected.Use(h.AuthMiddleware())
	protected.GET("/providers", h.ListProviders)

	protected.POST("/tasks", h.SubmitTask)
	protected.GET("/tasks", h.ListTasks)
	protected.GET("/tasks/events", h.StreamTaskEvents)
	protected.GET("/tasks/:id", h.GetTask)
	protected.POST("/tasks/:id/cancel", h.CancelTask)
	protected.GET("/tasks/:id/assets", h.ListTaskAssets)

	protected.GET("/credits", h.GetBalance)
	protected.GET("/credits/entries", h.ListLedgerEntries)

	protected.GET("/plans", h.ListPlans)
	protected.GET("/subscriptions", h.ListSubscriptions)
	protected.POST("/orders", h.CreateOrder)

	admin := protected.Group("/admin")
	admin.Use(h.RequireAdmin())

	providerAdmin := admin.Group("/providers")
	providerAdmin.GET("", h.AdminListProviders)
	providerAdmin.POST("", h.CreateProvider)
	providerAdmin.GET("/:id", h.GetProviderDetail)
	providerAdmin.PATCH("/:id", h.UpdateProvider)
	providerAdmin.DELETE("/:id", h.DeleteProvider)

	admin.POST("/credits/grant", h.GrantCredits)
	admin.GET("/credits/:user_id/audit", h.AuditLedger)
	admin.POST("/plans", h.SavePlan)
	admin.POST("/subscriptions", h.ActivateSubscription)
	admin.POST("/tasks/:id/mirror", h.RetryMirror)

	userAdmin := admin.Group("/users")
	userAdmin.GET("", h.ListUsers)
	userAdmin.POST("", h.CreateUser)
	userAdmin.PATCH("/:id", h.UpdateUser)
}

// LoggingMiddleware 日志记录中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  time.Since(start).String(),
			"size":      c.Writer.Size(),
			"client_ip": c.ClientIP(),
		}).Info("http_request")
	}
}
