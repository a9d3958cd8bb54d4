package observability

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func gathered(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		metric := mf.GetMetric()[0]
		if c := metric.GetCounter(); c != nil {
			return c.GetValue()
		}
		if g := metric.GetGauge(); g != nil {
			return g.GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.FileHashed()
	m.ChunkShrunk(2)
	m.FactsPersisted(3)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.FileHashed()
	m.FileHashed()
	m.Registered(5)
	m.Registered(0)
	m.ChunkShrunk(4)

	if got := gathered(t, m, "steinline_scanner_files_hashed_total"); got != 2 {
		t.Fatalf("files hashed = %v", got)
	}
	if got := gathered(t, m, "steinline_scanner_entries_registered_total"); got != 5 {
		t.Fatalf("registered = %v", got)
	}
	if got := gathered(t, m, "steinline_reasoner_chunk_size"); got != 4 {
		t.Fatalf("chunk size = %v", got)
	}
}

func TestDiagnosticsServerServesMetrics(t *testing.T) {
	m := NewMetrics()
	m.PlaceholdersWritten(1)

	srv, err := NewDiagnosticsServer("127.0.0.1:0", m, nil)
	if err != nil {
		t.Fatalf("NewDiagnosticsServer: %v", err)
	}
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "steinline_reasoner_placeholders_total 1") {
		t.Fatalf("metrics output missing placeholder counter:\n%s", body)
	}

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}
