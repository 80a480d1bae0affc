package watch

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"
)

func newTestWatcher(t *testing.T, dir string, debounce time.Duration) *Watcher {
	t.Helper()
	w, err := New([]string{dir}, debounce, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func waitEvent(t *testing.T, w *Watcher, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-w.Events:
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for a watch event")
	}
	return Event{}
}

func expectQuiet(t *testing.T, w *Watcher, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events:
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(d):
	}
}

func TestWatcherReportsNewImage(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, 50*time.Millisecond)

	path := filepath.Join(dir, "m31.png")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, w, 5*time.Second)
	if ev.Path != path {
		t.Fatalf("expected %s, got %s", path, ev.Path)
	}
	if ev.Op != "created" && ev.Op != "modified" {
		t.Fatalf("unexpected op %q", ev.Op)
	}
}

func TestWatcherIgnoresNonImages(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, 30*time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	expectQuiet(t, w, 300*time.Millisecond)
}

func TestWatcherIgnoresGeneratedOverlays(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, 30*time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "m31_constellations.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	expectQuiet(t, w, 300*time.Millisecond)
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, 150*time.Millisecond)

	path := filepath.Join(dir, "burst.png")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	ev := waitEvent(t, w, 5*time.Second)
	if ev.Path != path {
		t.Fatalf("expected %s, got %s", path, ev.Path)
	}
	expectQuiet(t, w, 400*time.Millisecond)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir, 30*time.Millisecond)

	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	// Writes after Stop deliver nothing.
	os.WriteFile(filepath.Join(dir, "late.png"), []byte("x"), 0o644)
	expectQuiet(t, w, 200*time.Millisecond)
}

func TestIsGeneratedOverlay(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/data/m31_constellations.png", true},
		{"/data/m31_constellations.json", true},
		{"/data/m31.png", false},
		{"/data/constellations.png", false},
	}
	for _, c := range cases {
		if got := isGeneratedOverlay(c.path); got != c.want {
			t.Fatalf("isGeneratedOverlay(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}
