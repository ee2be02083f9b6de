package api

import (
	"errors"
	"net/http"

	"genmarket/internal/entity"
	"genmarket/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SubmitTask 提交生成任务。服务商拒绝时任务已退款并记为 failed，响应中带回任务
func (h *HTTPHandler) SubmitTask(c *gin.Context) {
	user := CurrentUser(c)

	var req entity.SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponseWithDetails(c, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request payload", err.Error())
		return
	}
	taskType, _ := entity.ParseTaskType(req.TaskType)

	task, err := h.generation.SubmitGeneration(c.Request.Context(), service.SubmitRequest{
		UserID:     user.ID,
		Provider:   req.Provider,
		TaskType:   taskType,
		Parameters: req.Parameters,
	})
	if err != nil {
		if task != nil {
			status, code, _ := classifyServiceError(err)
			if status == 0 {
				status, code = http.StatusBadGateway, ErrCodeProviderError
			}
			ErrorResponseWithDetails(c, status, code, err.Error(), gin.H{"task": task})
			return
		}
		writeServiceError(c, err, "提交任务失败")
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (h *HTTPHandler) ListTasks(c *gin.Context) {
	user := CurrentUser(c)

	var query entity.TaskQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}
	tasks, meta, err := h.generation.ListTasks(c.Request.Context(), &query, user.requester())
	if err != nil {
		writeServiceError(c, err, "加载任务列表失败")
		return
	}
	c.JSON(http.StatusOK, entity.TaskListResponse{Tasks: tasks, Meta: meta})
}

// GetTask 未结束的任务会先向服务商查询一次再返回。
// 查询服务商失败时仍返回库中的任务，错误放在 poll_error 中
func (h *HTTPHandler) GetTask(c *gin.Context) {
	user := CurrentUser(c)

	task, err := h.generation.CheckStatus(c.Request.Context(), c.Param("id"), user.requester())
	if err != nil {
		if task != nil && (errors.Is(err, service.ErrProviderError) || errors.Is(err, service.ErrProviderNotFound)) {
			logrus.WithError(err).WithField("task_id", task.ID).Debug("task_status_stale")
			c.JSON(http.StatusOK, gin.H{"task": task, "poll_error": err.Error()})
			return
		}
		writeServiceError(c, err, "查询任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (h *HTTPHandler) CancelTask(c *gin.Context) {
	user := CurrentUser(c)

	task, err := h.generation.CancelTask(c.Request.Context(), c.Param("id"), user.requester())
	if err != nil {
		if errors.Is(err, service.ErrTaskFinished) && task != nil {
			ErrorResponseWithDetails(c, http.StatusConflict, ErrCodeTaskFinished, err.Error(), gin.H{"task": task})
			return
		}
		writeServiceError(c, err, "取消任务失败")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *HTTPHandler) ListTaskAssets(c *gin.Context) {
	user := CurrentUser(c)

	assets, err := h.generation.ListAssets(c.Request.Context(), c.Param("id"), user.requester())
	if err != nil {
		writeServiceError(c, err, "加载任务产物失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// RetryMirror 管理端手动重新转存
func (h *HTTPHandler) RetryMirror(c *gin.Context) {
	asset, err := h.generation.RetryMirror(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "转存失败")
		return
	}
	// 已有转存在进行中
	if asset.Status == entity.AssetStatusPending {
		c.JSON(http.StatusAccepted, asset)
		return
	}
	c.JSON(http.StatusOK, asset)
}
