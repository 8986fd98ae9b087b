package httpapi

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"minerhub/internal/logstream"
	"minerhub/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleLogs proxies a miner's live log stream to the caller as JSON frames,
// one decoded entry per frame. The upstream connection lives only as long as
// the caller's.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.loadDevice(w, r)
	if !ok {
		return
	}
	if dev.Family != model.FamilyHTTPJSON {
		writeError(w, http.StatusBadRequest, "log streaming is only supported for http miners")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	stream := logstream.NewClient()
	stream.SetAutoReconnect(true, 5)
	defer stream.Close()
	lines, cancel := stream.Subscribe()
	defer cancel()
	stream.Connect(logEndpoint(dev.Address))

	// Read pump: the only thing the caller sends is a close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for line := range lines {
		entry := logstream.ParseLine(line)
		if err := conn.WriteJSON(entry); err != nil {
			slog.Debug("log proxy write failed", "device", dev.ID, "error", err)
			return
		}
	}
}

func logEndpoint(address string) string {
	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimPrefix(address, "https://")
	return "ws://" + strings.TrimRight(address, "/") + "/api/ws"
}
