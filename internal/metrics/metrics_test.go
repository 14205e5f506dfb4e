package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// CounterVec metrics are not gathered until at least one label set exists.
	RequestsTotal.WithLabelValues("complete")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"remoshot_connected_agents":           false,
		"remoshot_requests_total":             false,
		"remoshot_request_duration_seconds":   false,
		"remoshot_screenshots_received_total": false,
		"remoshot_images_stored_total":        false,
		"remoshot_image_write_errors_total":   false,
		"remoshot_images_swept_total":         false,
		"remoshot_auth_failures_total":        false,
		"remoshot_broadcast_drops_total":      false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	ImagesStored.Add(1)
	ConnectedAgents.Set(2)

	path := filepath.Join(t.TempDir(), "remoshot.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "remoshot_images_stored_total") {
		t.Error("textfile missing remoshot_images_stored_total")
	}
	if strings.Contains(out, "go_goroutines") {
		t.Error("textfile should only contain remoshot_ metrics")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
