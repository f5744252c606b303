package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-orderflow/internal/auth"
	"github.com/imrishuroy/storefront-orderflow/internal/notify"
)

// userEvents streams every order notification of the signed-in user.
func (h *handler) userEvents(c *gin.Context) {
	h.stream(c, notify.UserTopic(auth.UserID(c)), false)
}

// jobEvents streams the outcome of one job and closes after it.
func (h *handler) jobEvents(c *gin.Context) {
	h.stream(c, notify.JobTopic(c.Param("jobId")), true)
}

func (h *handler) stream(c *gin.Context, topic string, once bool) {
	sub := h.Hub.Subscribe(topic, 16)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(h.Heartbeat)
	defer heartbeat.Stop()

	c.SSEvent("ready", gin.H{"topic": topic})
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(notify.EventName, ev)
			return !once
		case <-heartbeat.C:
			c.SSEvent("ping", h.nowFunc().UTC().Unix())
			return true
		}
	})
}
