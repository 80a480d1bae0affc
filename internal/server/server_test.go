package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"log/slog"

	"asterism/internal/config"
	"asterism/internal/pipeline"
	"asterism/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// deadSolverURL returns a URL nothing listens on, so solve attempts fail
// with connection refused instead of reaching the network.
func deadSolverURL() string {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	return url
}

type testEnv struct {
	srv   *Server
	store *storage.Store
	pipe  *pipeline.Pipeline
	http  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := &config.Config{}
	cfg.Solver.BaseURL = deadSolverURL()
	cfg.Solver.APIKey = "test"

	ctx, cancel := context.WithCancel(context.Background())
	pipe := pipeline.New(ctx, 1, logger, store, cfg)

	srv := NewServer(config.ServerConfig{Port: 0, UploadDir: t.TempDir()}, store, pipe, logger)
	go srv.hub.run(ctx)
	go srv.pumpResults(ctx)

	r := mux.NewRouter()
	srv.setupRoutes(r)
	ts := httptest.NewServer(r)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		pipe.Stop()
		store.Close()
	})
	return &testEnv{srv: srv, store: store, pipe: pipe, http: ts}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 20, 20))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestServerHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health struct {
		Status     string `json:"status"`
		QueueDepth int    `json:"queue_depth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected status %q", health.Status)
	}
	if health.QueueDepth != 0 {
		t.Fatalf("expected idle queue, got depth %d", health.QueueDepth)
	}
}

func TestServerIdentifyUpload(t *testing.T) {
	env := newTestEnv(t)

	results, unsub := env.pipe.Subscribe()
	defer unsub()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("image", "field.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(pngBytes(t))
	w.Close()

	resp, err := http.Post(env.http.URL+"/identify", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	var reply map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply["job_id"] == "" || reply["status"] != "queued" {
		t.Fatalf("unexpected reply %v", reply)
	}

	select {
	case res := <-results:
		if res.Job.ID != reply["job_id"] {
			t.Fatalf("expected result for %s, got %s", reply["job_id"], res.Job.ID)
		}
		if res.Error != nil {
			t.Fatalf("upload job failed: %v", res.Error)
		}
		if res.Meta["constellation"] != "Unknown" {
			t.Fatalf("expected Unknown for a blank field, got %v", res.Meta["constellation"])
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for the uploaded job")
	}
}

func TestServerIdentifyMissingImage(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("api_key", "k")
	w.Close()

	resp, err := http.Post(env.http.URL+"/identify", w.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "missing image field") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestServerIdentifyRejectsNonMultipart(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/identify", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestServerRunsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty array for a fresh store, got %q", body)
	}

	if err := env.store.RecordRunQueued(storage.RunRecord{ID: "run-a", JobType: "identify", Status: "queued"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.RecordRunResult("run-a", "completed", map[string]any{"method": "pattern", "constellation": "Orion"}, ""); err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(env.http.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var recs []storage.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "run-a" || recs[0].Constellation != "Orion" {
		t.Fatalf("unexpected runs %+v", recs)
	}
}

func TestServerRunDetail(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.RecordRunQueued(storage.RunRecord{ID: "run-b", JobType: "identify", Status: "queued"}); err != nil {
		t.Fatal(err)
	}
	if err := env.store.RecordRunResult("run-b", "completed", map[string]any{"method": "solver"}, ""); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(env.http.URL + "/runs/run-b")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var detail struct {
		ID   string         `json:"id"`
		Meta map[string]any `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.ID != "run-b" || detail.Meta["method"] != "solver" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	resp404, err := http.Get(env.http.URL + "/runs/no-such-run")
	if err != nil {
		t.Fatal(err)
	}
	defer resp404.Body.Close()
	if resp404.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", resp404.StatusCode)
	}
}

func TestServerWebSocketDeliversResults(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Let the hub pick up the registration before results flow.
	time.Sleep(100 * time.Millisecond)

	job := pipeline.Job{
		ID:        "ws-job",
		Type:      pipeline.JobIdentify,
		InputPath: filepath.Join(t.TempDir(), "missing.png"),
	}
	if err := env.pipe.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev runEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.JobID != "ws-job" || ev.Status != "failed" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !strings.Contains(ev.Error, "unreadable image") {
		t.Fatalf("expected read failure detail, got %q", ev.Error)
	}
}

func TestResultPayload(t *testing.T) {
	res := pipeline.Result{
		Job:  pipeline.Job{ID: "p-1", Type: pipeline.JobIdentify, InputPath: "a.png"},
		Meta: map[string]any{"constellation": "Lyra"},
	}
	ev := resultPayload(res)
	if ev.Status != "completed" || ev.JobID != "p-1" || ev.Meta["constellation"] != "Lyra" {
		t.Fatalf("unexpected payload %+v", ev)
	}

	res.Error = io.ErrUnexpectedEOF
	ev = resultPayload(res)
	if ev.Status != "failed" || ev.Error == "" {
		t.Fatalf("expected failed payload, got %+v", ev)
	}
}
