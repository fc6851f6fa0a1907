package api

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const wsWriteTimeout = 5 * time.Second

// streamWS pushes a conversation's messages over a WebSocket. The socket is
// push-only; client frames are read and discarded so control frames are
// handled.
func (h *handlers) streamWS(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	afterID, err := queryUint(c, "after_id")
	if err != nil {
		h.fail(c, err)
		return
	}

	// Authorise against the conversation before upgrading.
	stream, err := h.market.Follow(c.Request.Context(), id, afterID, h.poll)
	if err != nil {
		h.fail(c, err)
		return
	}

	conn, err := websocket.Accept(newUpgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{
		OriginPatterns: originHosts(h.origins),
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "conversation", id, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(c.Request.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-stream.C:
			if !ok {
				if err := stream.Err(); err != nil {
					h.logger.Warn("websocket stream failed", "conversation", id, "error", err)
					return
				}
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", "conversation", id, "error", err)
				return
			}
		}
	}
}

// originHosts turns CORS origins into the host patterns websocket.Accept
// matches the Origin header against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}

// upgradeWriter sends the 101 response straight to the server's writer and
// hijacks through gin. gin refuses to hijack once its own header flush has
// run, which websocket.Accept triggers when it sees WriteHeaderNow.
type upgradeWriter struct {
	gin gin.ResponseWriter
	raw http.ResponseWriter
}

func newUpgradeWriter(w gin.ResponseWriter) *upgradeWriter {
	raw := http.ResponseWriter(w)
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		raw = u.Unwrap()
	}
	return &upgradeWriter{gin: w, raw: raw}
}

func (w *upgradeWriter) Header() http.Header { return w.gin.Header() }

func (w *upgradeWriter) Write(b []byte) (int, error) { return w.gin.Write(b) }

func (w *upgradeWriter) WriteHeader(code int) {
	w.gin.WriteHeader(code)
	if code == http.StatusSwitchingProtocols {
		w.raw.WriteHeader(code)
	}
}

func (w *upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.gin.Hijack()
}
