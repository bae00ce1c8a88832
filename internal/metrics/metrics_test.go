package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("raw")
	m.ConnectionClosed()
	m.Handshake("accepted")
	m.Request("get-frequency", "")
	m.Sentence("accepted")
	m.DroppedEvent()
	m.ObserveSessions(func() int { return 1 })
	if snap, err := m.Snapshot(); err != nil || len(snap) != 0 {
		t.Fatalf("snapshot=%v err=%v", snap, err)
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.ConnectionOpened("websocket")
	m.ConnectionOpened("raw")
	m.ConnectionClosed()
	m.Request("set-mode", "")
	m.Request("set-mode", "UnsupportedCapability")
	m.Request("set-mode", "UnsupportedCapability")
	m.ObserveSessions(func() int { return 3 })

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	checks := []struct {
		key  string
		want float64
	}{
		{"trxd_connections_total,transport=websocket", 1},
		{"trxd_open_connections", 1},
		{"trxd_requests_total,code=Ok,request=set-mode", 1},
		{"trxd_requests_total,code=UnsupportedCapability,request=set-mode", 2},
		{"trxd_sessions", 3},
	}
	for _, c := range checks {
		if got, ok := snap[c.key]; !ok || got != c.want {
			t.Fatalf("%s=%v (present=%v) want %v", c.key, got, ok, c.want)
		}
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Sentence("checksum")

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), `trxd_nmea_sentences_total{result="checksum"} 1`) {
		t.Fatalf("missing sentence counter:\n%s", b)
	}
}
