package api

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const heartbeatInterval = 15 * time.Second

// events streams a conversation's messages as server-sent events. The
// stream resumes after the Last-Event-ID header or the after_id parameter.
func (h *handlers) events(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	after := c.GetHeader("Last-Event-ID")
	if after == "" {
		after = c.Query("after_id")
	}
	var afterID uint
	if after != "" {
		if afterID, err = parseID(after); err != nil {
			h.fail(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	stream, err := h.market.Follow(ctx, id, afterID, h.poll)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "", "connected", map[string]uint{"conversation_id": id})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "", "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case msg, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					writeSSE(c.Writer, "", "error", errorBody{Error: "stream_failed", Message: "stream ended"})
					c.Writer.Flush()
					h.logger.Warn("event stream failed", "conversation", id, "error", err)
				}
				return
			}
			writeSSE(c.Writer, strconv.FormatUint(uint64(msg.ID), 10), "message", msg)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer. An empty id omits the
// id field.
func writeSSE(w io.Writer, id, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
