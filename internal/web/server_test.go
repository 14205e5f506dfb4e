package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remoshot/remoshot/internal/events"
)

type fakeDispatcher struct {
	result  map[string][]string
	pending int
}

func (f *fakeDispatcher) Dispatch(_ context.Context) map[string][]string { return f.result }
func (f *fakeDispatcher) PendingCount() int                              { return f.pending }

type fakeAgents struct {
	names []string
}

func (f *fakeAgents) Names() []string { return f.names }
func (f *fakeAgents) Count() int      { return len(f.names) }

type fakeImages struct {
	n int
}

func (f *fakeImages) Count() (int, error) { return f.n, nil }

func testServer(t *testing.T, deps Dependencies) *httptest.Server {
	t.Helper()
	if deps.Log == nil {
		deps.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.EventBus == nil {
		deps.EventBus = events.New()
	}
	srv := httptest.NewServer(NewServer(deps).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func TestScreenshotEndpoint(t *testing.T) {
	srv := testServer(t, Dependencies{
		Dispatcher: &fakeDispatcher{result: map[string][]string{
			"desk-1": {"/images/a.jpg", "/images/b.jpg"},
			"desk-2": {},
		}},
		Agents: &fakeAgents{names: []string{"desk-1", "desk-2"}},
		Images: &fakeImages{},
	})

	var got map[string][]string
	resp := getJSON(t, srv.URL+"/screenshot", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if len(got["desk-1"]) != 2 {
		t.Errorf("desk-1 = %v, want two urls", got["desk-1"])
	}
	// Connected-but-silent agents serialize as an empty array, not null.
	if got["desk-2"] == nil {
		t.Error("desk-2 missing from response")
	}
}

func TestImagesServesFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "shot.jpg"), []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	srv := testServer(t, Dependencies{
		Dispatcher: &fakeDispatcher{},
		Agents:     &fakeAgents{},
		Images:     &fakeImages{},
		ImageDir:   dir,
	})

	resp, err := http.Get(srv.URL + "/images/shot.jpg")
	if err != nil {
		t.Fatalf("GET /images/shot.jpg: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "jpeg-bytes" {
		t.Errorf("body = %q, want jpeg-bytes", body)
	}

	resp2, err := http.Get(srv.URL + "/images/missing.jpg")
	if err != nil {
		t.Fatalf("GET missing image: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing image status = %d, want 404", resp2.StatusCode)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	srv := testServer(t, Dependencies{
		Dispatcher: &fakeDispatcher{},
		Agents:     &fakeAgents{names: []string{"desk-1", "desk-2"}},
		Images:     &fakeImages{},
	})

	var got struct {
		Count  int      `json:"count"`
		Agents []string `json:"agents"`
	}
	getJSON(t, srv.URL+"/api/agents", &got)
	if got.Count != 2 {
		t.Errorf("count = %d, want 2", got.Count)
	}
	if len(got.Agents) != 2 {
		t.Errorf("agents = %v, want two entries", got.Agents)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t, Dependencies{
		Dispatcher: &fakeDispatcher{pending: 1},
		Agents:     &fakeAgents{names: []string{"desk-1"}},
		Images:     &fakeImages{n: 7},
	})

	var got struct {
		Status          string `json:"status"`
		ConnectedAgents int    `json:"connected_agents"`
		PendingRequests int    `json:"pending_requests"`
		StoredImages    int    `json:"stored_images"`
	}
	resp := getJSON(t, srv.URL+"/healthz", &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
	if got.ConnectedAgents != 1 || got.PendingRequests != 1 || got.StoredImages != 7 {
		t.Errorf("gauges = %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t, Dependencies{
		Dispatcher: &fakeDispatcher{},
		Agents:     &fakeAgents{},
		Images:     &fakeImages{},
	})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "remoshot_") {
		t.Error("metrics output does not contain remoshot_ series")
	}
}

func TestSSEStreamsEvents(t *testing.T) {
	bus := events.New()
	srv := testServer(t, Dependencies{
		Dispatcher: &fakeDispatcher{},
		Agents:     &fakeAgents{},
		Images:     &fakeImages{},
		EventBus:   bus,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)

	// First frame is the connected handshake.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if !strings.HasPrefix(line, "event: connected") {
		t.Fatalf("first line = %q, want event: connected", line)
	}

	// Publishing on the bus shows up on the stream.
	go func() {
		// Give the subscriber a moment to register.
		time.Sleep(50 * time.Millisecond)
		bus.Publish(events.SSEEvent{
			Type:      events.EventAgentConnected,
			AgentName: "desk-1",
			Timestamp: time.Now(),
		})
	}()

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "event: "+string(events.EventAgentConnected)) {
			return
		}
	}
}
