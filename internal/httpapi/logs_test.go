package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"minerhub/internal/logstream"
	"minerhub/internal/model"
)

// fakeMinerWS serves a device-side log websocket emitting canned lines.
func fakeMinerWS(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, line := range lines {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return
			}
		}
		// Hold the connection open so the proxy does not enter reconnect.
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLogsEndpointProxiesDecodedEntries(t *testing.T) {
	fx := newAPIFixture(t)
	miner := fakeMinerWS(t, "I (1520) stratum_task: new job received", "W (1600) power: brown out")

	dev := &model.Device{
		ID:      "aa:bb:cc:00:00:08",
		Name:    "bitaxe",
		Address: strings.TrimPrefix(miner.URL, "http://"),
		Family:  model.FamilyHTTPJSON,
	}
	if err := fx.repo.UpsertDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/api/fleet/miners/" + dev.ID + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first logstream.Entry
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first entry: %v", err)
	}
	if first.Level != "info" || first.Component != "stratum_task" || first.Message != "new job received" {
		t.Fatalf("first entry wrong: %+v", first)
	}

	var second logstream.Entry
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second entry: %v", err)
	}
	if second.Level != "warn" || second.Component != "power" {
		t.Fatalf("second entry wrong: %+v", second)
	}
}

func TestLogsEndpointRejectsLegacyFamily(t *testing.T) {
	fx := newAPIFixture(t)
	dev := &model.Device{ID: "tcp-abcdef012345", Name: "avalon", Address: "10.0.0.8", Family: model.FamilyLegacyTCP}
	if err := fx.repo.UpsertDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	resp, _ := doJSON(t, http.MethodGet, fx.srv.URL+"/api/fleet/miners/"+dev.ID+"/logs", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
