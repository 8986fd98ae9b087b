package axeos

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"minerhub/internal/model"
	"minerhub/internal/proto"
)

func TestFetchSystemInfoDecodesKnownFieldsIgnoresRest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system/info" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{
			"hostname": "bitaxe1",
			"macAddr": "AA:BB:CC:11:22:33",
			"hashRate": 512.5,
			"power": 14.2,
			"temp": 58.0,
			"stratumURL": "pool.example",
			"stratumUser": "bc1qworker",
			"sharesAccepted": 42,
			"someFutureField": {"nested": true}
		}`)
	}))
	defer srv.Close()

	c := New(2 * time.Second)
	info, err := c.FetchSystemInfo(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if info.Hostname == nil || *info.Hostname != "bitaxe1" {
		t.Fatalf("unexpected hostname %v", info.Hostname)
	}
	if info.HashRate == nil || *info.HashRate != 512.5 {
		t.Fatalf("unexpected hashRate %v", info.HashRate)
	}
	// Fields the firmware did not report stay nil, not zero.
	if info.Voltage != nil {
		t.Fatalf("expected absent voltage to be nil")
	}
	if info.SharesRejected != nil {
		t.Fatalf("expected absent sharesRejected to be nil")
	}

	snap := info.ToSnapshot()
	if snap.HashRateGHS != 512.5 || snap.PowerW != 14.2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.PoolURL != "pool.example" || snap.SharesAccepted != 42 {
		t.Fatalf("unexpected snapshot pool fields %+v", snap)
	}
}

func TestFetchSystemInfoMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"hashRate": not-json`)
	}))
	defer srv.Close()

	c := New(2 * time.Second)
	_, err := c.FetchSystemInfo(context.Background(), srv.URL)
	if err == nil {
		t.Fatalf("expected error")
	}
	if proto.KindOf(err) != proto.FailureMalformed {
		t.Fatalf("expected malformed-response, got %v", proto.KindOf(err))
	}
}

func TestUpdateSettingsSendsOnlySuppliedFields(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/system" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	freq := 525.0
	c := New(2 * time.Second)
	if err := c.UpdateSettings(context.Background(), srv.URL, Settings{Frequency: &freq}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 field sent, got %v", got)
	}
	if got["frequency"] != 525.0 {
		t.Fatalf("expected frequency=525, got %v", got["frequency"])
	}
}

func TestUpdateSettingsEmptyPayloadRejectedLocally(t *testing.T) {
	c := New(time.Second)
	if err := c.UpdateSettings(context.Background(), "127.0.0.1:1", Settings{}); err == nil {
		t.Fatalf("expected empty settings to be rejected before the wire")
	}
}

func TestUpdateSettingsSurfacesReadableReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "frequency out of range", http.StatusBadRequest)
	}))
	defer srv.Close()

	freq := 9999.0
	c := New(2 * time.Second)
	err := c.UpdateSettings(context.Background(), srv.URL, Settings{Frequency: &freq})
	if err == nil {
		t.Fatalf("expected error")
	}
	if want := "frequency out of range"; !strings.Contains(err.Error(), want) {
		t.Fatalf("expected reason %q in error, got %q", want, err.Error())
	}
}

func TestRestartHitsEndpoint(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/system/restart" {
			hit = true
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(2 * time.Second)
	if err := c.Restart(context.Background(), &model.Device{Address: srv.URL}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !hit {
		t.Fatalf("restart endpoint not called")
	}
}
