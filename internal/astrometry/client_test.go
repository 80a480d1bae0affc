package astrometry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"asterism/internal/config"
)

func newTestClient(baseURL string) *Client {
	c := NewClient(config.SolverConfig{BaseURL: baseURL, APIKey: "test-key"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.pollInterval = 5 * time.Millisecond
	c.pollTimeout = time.Second
	c.maxAttempts = 20
	return c
}

func TestSolveSuccess(t *testing.T) {
	var loginAPIKey, uploadSession, uploadVisible, uploadCommercial string
	var uploadedBytes []byte
	polls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			var req struct {
				APIKey string `json:"apikey"`
			}
			if err := json.Unmarshal([]byte(r.FormValue("request-json")), &req); err != nil {
				t.Errorf("bad login payload: %v", err)
			}
			loginAPIKey = req.APIKey
			fmt.Fprint(w, `{"status":"success","session":"sess-1"}`)
		case "/api/upload":
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				t.Errorf("bad upload form: %v", err)
			}
			var req struct {
				Session    string `json:"session"`
				Visible    string `json:"publicly_visible"`
				Commercial string `json:"allow_commercial_use"`
			}
			if err := json.Unmarshal([]byte(r.FormValue("request-json")), &req); err != nil {
				t.Errorf("bad upload payload: %v", err)
			}
			uploadSession = req.Session
			uploadVisible = req.Visible
			uploadCommercial = req.Commercial
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Errorf("missing file part: %v", err)
			} else {
				uploadedBytes, _ = io.ReadAll(f)
				f.Close()
			}
			fmt.Fprint(w, `{"status":"success","subid":4242}`)
		case "/api/submissions/4242":
			polls++
			if polls < 3 {
				fmt.Fprint(w, `{"jobs":[null]}`)
				return
			}
			fmt.Fprint(w, `{"jobs":[777]}`)
		case "/api/jobs/777/calibration/":
			fmt.Fprint(w, `{"ra":83.82,"dec":-5.39,"pixscale":1.42}`)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res := c.Solve(context.Background(), "orion.png", []byte("png-bytes"))

	if !res.Solved {
		t.Fatalf("expected solved result, got failure %q: %v", res.Failure, res.Err)
	}
	if res.Calibration.CenterRA != 83.82 || res.Calibration.CenterDec != -5.39 || res.Calibration.PixelScaleArcsec != 1.42 {
		t.Fatalf("unexpected calibration: %+v", res.Calibration)
	}
	if c.Phase() != PhaseSolved {
		t.Fatalf("expected phase solved, got %s", c.Phase())
	}
	if loginAPIKey != "test-key" {
		t.Fatalf("expected api key forwarded to login, got %q", loginAPIKey)
	}
	if uploadSession != "sess-1" {
		t.Fatalf("expected session token in upload, got %q", uploadSession)
	}
	if uploadVisible != "n" || uploadCommercial != "n" {
		t.Fatalf("expected private non-commercial upload, got visible=%q commercial=%q", uploadVisible, uploadCommercial)
	}
	if string(uploadedBytes) != "png-bytes" {
		t.Fatalf("uploaded bytes do not match input")
	}
	if polls != 3 {
		t.Fatalf("expected 3 polls, got %d", polls)
	}
}

func TestSolveAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login" {
			t.Errorf("unexpected request past login: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"status":"error","errormessage":"bad apikey"}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res := c.Solve(context.Background(), "field.png", []byte("x"))

	if res.Solved {
		t.Fatalf("expected failure for rejected credentials")
	}
	if res.Failure != FailureAuth {
		t.Fatalf("expected auth failure, got %q", res.Failure)
	}
	var authErr *AuthError
	if !errors.As(res.Err, &authErr) {
		t.Fatalf("expected AuthError, got %T: %v", res.Err, res.Err)
	}
	if c.Phase() != PhaseFailed {
		t.Fatalf("expected phase failed, got %s", c.Phase())
	}
}

func TestSolveUploadMissingSubID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			fmt.Fprint(w, `{"status":"success","session":"sess-2"}`)
		case "/api/upload":
			fmt.Fprint(w, `{"status":"success"}`)
		default:
			t.Errorf("unexpected request past upload: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res := c.Solve(context.Background(), "field.png", []byte("x"))

	if res.Solved {
		t.Fatalf("expected failure for upload without subid")
	}
	if res.Failure != FailureSubmission {
		t.Fatalf("expected submission failure, got %q", res.Failure)
	}
	var subErr *SubmissionError
	if !errors.As(res.Err, &subErr) {
		t.Fatalf("expected SubmissionError, got %T: %v", res.Err, res.Err)
	}
}

func TestSolveServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := newTestClient(base)
	res := c.Solve(context.Background(), "field.png", []byte("x"))

	if res.Solved {
		t.Fatalf("expected failure against closed server")
	}
	if res.Failure != FailureTransport {
		t.Fatalf("expected transport failure, got %q", res.Failure)
	}
	var trErr *TransportError
	if !errors.As(res.Err, &trErr) {
		t.Fatalf("expected TransportError, got %T: %v", res.Err, res.Err)
	}
}

func TestSolveUnsolvableImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			fmt.Fprint(w, `{"status":"success","session":"sess-3"}`)
		case "/api/upload":
			fmt.Fprint(w, `{"status":"success","subid":9}`)
		case "/api/submissions/9":
			fmt.Fprint(w, `{"jobs":[33]}`)
		case "/api/jobs/33/calibration/":
			// The service answers an unsolvable job with an empty object.
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	res := c.Solve(context.Background(), "blurry.png", []byte("x"))

	if res.Solved {
		t.Fatalf("expected failure for empty calibration")
	}
	if res.Failure != FailureCalibration {
		t.Fatalf("expected calibration failure, got %q", res.Failure)
	}
	var calErr *CalibrationError
	if !errors.As(res.Err, &calErr) {
		t.Fatalf("expected CalibrationError, got %T: %v", res.Err, res.Err)
	}
}

func TestPollStopsAfterAttemptBudget(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			fmt.Fprint(w, `{"status":"success","session":"sess-4"}`)
		case "/api/upload":
			fmt.Fprint(w, `{"status":"success","subid":5}`)
		case "/api/submissions/5":
			polls++
			fmt.Fprint(w, `{"jobs":[null]}`)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.maxAttempts = 3
	res := c.Solve(context.Background(), "field.png", []byte("x"))

	if res.Solved {
		t.Fatalf("expected failure once the attempt budget is spent")
	}
	if res.Failure != FailureTransport {
		t.Fatalf("expected transport failure, got %q", res.Failure)
	}
	if polls != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", polls)
	}
	if !strings.Contains(res.Err.Error(), "after 3 attempts") {
		t.Fatalf("expected attempt budget in error, got: %v", res.Err)
	}
}

func TestPollStopsAfterDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			fmt.Fprint(w, `{"status":"success","session":"sess-5"}`)
		case "/api/upload":
			fmt.Fprint(w, `{"status":"success","subid":6}`)
		case "/api/submissions/6":
			fmt.Fprint(w, `{"jobs":[null]}`)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.pollTimeout = time.Nanosecond
	res := c.Solve(context.Background(), "field.png", []byte("x"))

	if res.Solved {
		t.Fatalf("expected failure once the poll deadline passes")
	}
	if res.Failure != FailureTransport {
		t.Fatalf("expected transport failure, got %q", res.Failure)
	}
	if !strings.Contains(res.Err.Error(), "no job within") {
		t.Fatalf("expected deadline in error, got: %v", res.Err)
	}
}

func TestSolveCancelledDuringPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			fmt.Fprint(w, `{"status":"success","session":"sess-6"}`)
		case "/api/upload":
			fmt.Fprint(w, `{"status":"success","subid":7}`)
		case "/api/submissions/7":
			// Cancel while the client sleeps between polls.
			cancel()
			fmt.Fprint(w, `{"jobs":[null]}`)
		default:
			t.Errorf("unexpected request: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.pollInterval = 50 * time.Millisecond
	res := c.Solve(ctx, "field.png", []byte("x"))

	if res.Solved {
		t.Fatalf("expected failure after cancellation")
	}
	if res.Failure != FailureTransport {
		t.Fatalf("expected transport failure, got %q", res.Failure)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got: %v", res.Err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"auth", &AuthError{Reason: "nope"}, FailureAuth},
		{"submission", &SubmissionError{Reason: "nope"}, FailureSubmission},
		{"calibration", &CalibrationError{JobID: 1, Reason: "nope"}, FailureCalibration},
		{"transport", &TransportError{Phase: PhasePolling, Err: errors.New("boom")}, FailureTransport},
		{"wrapped auth", fmt.Errorf("solve: %w", &AuthError{Reason: "nope"}), FailureAuth},
		{"unknown", errors.New("mystery"), FailureTransport},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
