package api

import (
	"net/http"

	"genmarket/internal/entity"

	"github.com/gin-gonic/gin"
)

// ListProviders 普通用户可见的已启用服务商及价格
func (h *HTTPHandler) ListProviders(c *gin.Context) {
	providers, err := h.providers.List(c.Request.Context(), false)
	if err != nil {
		writeServiceError(c, err, "加载服务商列表失败")
		return
	}
	out := make([]entity.PublicProvider, 0, len(providers))
	for _, p := range providers {
		out = append(out, entity.PublicProvider{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Pricing:     p.Pricing,
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (h *HTTPHandler) AdminListProviders(c *gin.Context) {
	providers, err := h.providers.List(c.Request.Context(), true)
	if err != nil {
		writeServiceError(c, err, "加载服务商列表失败")
		return
	}
	views := make([]entity.ProviderView, 0, len(providers))
	for _, p := range providers {
		views = append(views, p.View())
	}
	c.JSON(http.StatusOK, gin.H{"providers": views})
}

func (h *HTTPHandler) GetProviderDetail(c *gin.Context) {
	cfg, err := h.providers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "加载服务商失败")
		return
	}
	c.JSON(http.StatusOK, cfg.View())
}

func (h *HTTPHandler) CreateProvider(c *gin.Context) {
	var payload entity.ProviderCreateRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload", err.Error())
		return
	}
	cfg, err := h.providers.Create(c.Request.Context(), payload)
	if err != nil {
		writeServiceError(c, err, "创建服务商失败")
		return
	}
	c.JSON(http.StatusCreated, cfg.View())
}

func (h *HTTPHandler) UpdateProvider(c *gin.Context) {
	var payload entity.ProviderUpdateRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload", err.Error())
		return
	}
	cfg, err := h.providers.Update(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		writeServiceError(c, err, "更新服务商失败")
		return
	}
	c.JSON(http.StatusOK, cfg.View())
}

func (h *HTTPHandler) DeleteProvider(c *gin.Context) {
	if err := h.providers.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeServiceError(c, err, "删除服务商失败")
		return
	}
	c.Status(http.StatusNoContent)
}
