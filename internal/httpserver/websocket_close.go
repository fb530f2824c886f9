package httpserver

import (
	"errors"
	"log/slog"
	"net"

	"github.com/coder/websocket"
)

// closeWebsocket performs the close handshake. Failures caused by a peer
// that already went away are expected and stay at debug level.
func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, status websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}
	err := conn.Close(status, reason)
	if err == nil || logger == nil {
		return
	}
	if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		logger.Debug("websocket already closed", "err", err)
		return
	}
	logger.Debug("websocket close failed", "status", status, "err", err)
}
