package api

import (
	"io"
	"net/http"
	"time"

	"genmarket/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type sseMessage struct {
	event string
	data  interface{}
}

func (h *HTTPHandler) registerSSEClient(userID uint, ch chan sseMessage) {
	if h == nil || ch == nil || userID == 0 {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	if h.sseClients == nil {
		h.sseClients = make(map[uint][]chan sseMessage)
	}
	h.sseClients[userID] = append(h.sseClients[userID], ch)
}

func (h *HTTPHandler) unregisterSSEClient(userID uint, target chan sseMessage) {
	if h == nil || target == nil {
		return
	}
	h.sseMu.Lock()
	defer h.sseMu.Unlock()

	current := h.sseClients[userID]
	remaining := current[:0]
	for _, ch := range current {
		if ch != target {
			remaining = append(remaining, ch)
		}
	}
	if len(remaining) == 0 {
		delete(h.sseClients, userID)
		return
	}
	h.sseClients[userID] = remaining
}

func (h *HTTPHandler) publishSSEMessage(userID uint, msg sseMessage) {
	if h == nil || userID == 0 {
		return
	}

	h.sseMu.Lock()
	channels := append([]chan sseMessage(nil), h.sseClients[userID]...)
	h.sseMu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"user_id": userID,
				"event":   msg.event,
			}).Warn("sse_message_dropped")
		}
	}
}

// notifyTaskFinished 推送任务终态，由生成服务回调
func (h *HTTPHandler) notifyTaskFinished(userID uint, taskID string, status entity.TaskStatus, reason string) {
	payload := gin.H{
		"task_id": taskID,
		"status":  status,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	h.publishSSEMessage(userID, sseMessage{event: "task_finished", data: payload})
}

// StreamTaskEvents 当前用户的任务终态推送，连接期间每 10 秒发送心跳
func (h *HTTPHandler) StreamTaskEvents(c *gin.Context) {
	user := CurrentUser(c)

	ctx := c.Request.Context()
	events := make(chan sseMessage, 8)
	h.registerSSEClient(user.ID, events)
	defer h.unregisterSSEClient(user.ID, events)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if flusher, ok := c.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	logrus.WithField("user_id", user.ID).Info("task_sse_connected")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			logrus.WithField("user_id", user.ID).Info("task_sse_disconnected")
			return false
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().UnixMilli()})
			return true
		case msg, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(msg.event, msg.data)
			return true
		}
	})
}
