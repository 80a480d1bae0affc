package astrometry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"asterism/internal/config"
)

const (
	defaultBaseURL      = "http://nova.astrometry.net"
	defaultHTTPTimeout  = 30 * time.Second
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 10 * time.Minute
	defaultMaxAttempts  = 120
)

// Client drives the four-phase remote plate-solving workflow:
// authenticate, submit, poll, fetch calibration. One Client serves one
// image; session state is never reused across runs, so concurrent solves
// each need their own instance.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	logger       *slog.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
	maxAttempts  int
	phase        Phase
}

// NewClient builds a solver client from configuration, applying defaults
// for unset fields.
func NewClient(cfg config.SolverConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:      defaultBaseURL,
		apiKey:       cfg.APIKey,
		logger:       logger,
		pollInterval: defaultPollInterval,
		pollTimeout:  defaultPollTimeout,
		maxAttempts:  defaultMaxAttempts,
		phase:        PhaseIdle,
	}
	if cfg.BaseURL != "" {
		c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	httpTimeout := defaultHTTPTimeout
	if cfg.HTTPTimeoutSec > 0 {
		httpTimeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	c.httpClient = &http.Client{Timeout: httpTimeout}
	if cfg.PollIntervalSec > 0 {
		c.pollInterval = time.Duration(cfg.PollIntervalSec) * time.Second
	}
	if cfg.PollTimeoutSec > 0 {
		c.pollTimeout = time.Duration(cfg.PollTimeoutSec) * time.Second
	}
	if cfg.MaxPollAttempts > 0 {
		c.maxAttempts = cfg.MaxPollAttempts
	}
	return c
}

// Phase reports the current workflow state.
func (c *Client) Phase() Phase { return c.phase }

// Solve runs the whole workflow for one image. Every failure is folded
// into the returned SolveResult; no error escapes as a raw value.
func (c *Client) Solve(ctx context.Context, imageName string, imageBytes []byte) SolveResult {
	c.phase = PhaseAuthenticating
	c.logger.Debug("solver phase", "phase", c.phase.String())
	session, err := c.Authenticate(ctx, c.apiKey)
	if err != nil {
		return c.fail(err)
	}

	c.phase = PhaseSubmitting
	c.logger.Debug("solver phase", "phase", c.phase.String())
	subID, err := c.Submit(ctx, session, imageName, imageBytes)
	if err != nil {
		return c.fail(err)
	}

	c.phase = PhasePolling
	c.logger.Debug("solver phase", "phase", c.phase.String(), "subid", subID)
	jobID, err := c.Poll(ctx, subID)
	if err != nil {
		return c.fail(err)
	}

	c.phase = PhaseFetching
	c.logger.Debug("solver phase", "phase", c.phase.String(), "job_id", jobID)
	calib, err := c.FetchCalibration(ctx, jobID)
	if err != nil {
		return c.fail(err)
	}

	c.phase = PhaseSolved
	c.logger.Info("plate solve succeeded",
		"ra", calib.CenterRA,
		"dec", calib.CenterDec,
		"pixscale", calib.PixelScaleArcsec,
	)
	return SolveResult{Solved: true, Calibration: calib}
}

func (c *Client) fail(err error) SolveResult {
	c.phase = PhaseFailed
	kind := Classify(err)
	c.logger.Warn("plate solve failed", "kind", string(kind), "error", err.Error())
	return SolveResult{Failure: kind, Err: err}
}

type loginResponse struct {
	Status  string `json:"status"`
	Session string `json:"session"`
}

// Authenticate exchanges the API key for an opaque session token.
func (c *Client) Authenticate(ctx context.Context, apiKey string) (string, error) {
	payload, err := json.Marshal(map[string]string{"apikey": apiKey})
	if err != nil {
		return "", &TransportError{Phase: PhaseAuthenticating, Err: err}
	}

	form := url.Values{}
	form.Set("request-json", string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &TransportError{Phase: PhaseAuthenticating, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Phase: PhaseAuthenticating, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Phase: PhaseAuthenticating, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Reason: fmt.Sprintf("login returned status %d", resp.StatusCode)}
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return "", &TransportError{Phase: PhaseAuthenticating, Err: fmt.Errorf("malformed login response: %w", err)}
	}
	if lr.Session == "" {
		return "", &AuthError{Reason: "login response missing session"}
	}

	return lr.Session, nil
}

type uploadResponse struct {
	Status string `json:"status"`
	SubID  *int64 `json:"subid"`
}

// Submit uploads the image under the session, tagged private and
// non-commercial, and returns the submission id.
func (c *Client) Submit(ctx context.Context, session, imageName string, imageBytes []byte) (int64, error) {
	payload, err := json.Marshal(map[string]string{
		"session":              session,
		"publicly_visible":     "n",
		"allow_commercial_use": "n",
	})
	if err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("request-json", string(payload)); err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}
	part, err := mw.CreateFormFile("file", imageName)
	if err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}
	if _, err := part.Write(imageBytes); err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}
	if err := mw.Close(); err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/upload", &buf)
	if err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return 0, &SubmissionError{Reason: fmt.Sprintf("upload returned status %d", resp.StatusCode)}
	}

	var ur uploadResponse
	if err := json.Unmarshal(body, &ur); err != nil {
		return 0, &TransportError{Phase: PhaseSubmitting, Err: fmt.Errorf("malformed upload response: %w", err)}
	}
	if ur.SubID == nil {
		return 0, &SubmissionError{Reason: "upload response missing subid"}
	}

	return *ur.SubID, nil
}

type submissionStatus struct {
	// The service reports [null] until a job is assigned, then [id].
	Jobs []*int64 `json:"jobs"`
}

// Poll queries the submission at the configured interval until a job id
// appears. Bounded by the poll timeout, the attempt budget, and ctx;
// exceeding any bound is a transport-level failure.
func (c *Client) Poll(ctx context.Context, subID int64) (int64, error) {
	deadline := time.Now().Add(c.pollTimeout)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		jobID, assigned, err := c.checkSubmission(ctx, subID)
		if err != nil {
			return 0, err
		}
		if assigned {
			return jobID, nil
		}

		if time.Now().After(deadline) {
			return 0, &TransportError{
				Phase: PhasePolling,
				Err:   fmt.Errorf("submission %d: no job within %s", subID, c.pollTimeout),
			}
		}

		select {
		case <-ctx.Done():
			return 0, &TransportError{Phase: PhasePolling, Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}
	}

	return 0, &TransportError{
		Phase: PhasePolling,
		Err:   fmt.Errorf("submission %d: no job after %d attempts", subID, c.maxAttempts),
	}
}

func (c *Client) checkSubmission(ctx context.Context, subID int64) (int64, bool, error) {
	statusURL := fmt.Sprintf("%s/api/submissions/%d", c.baseURL, subID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return 0, false, &TransportError{Phase: PhasePolling, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false, &TransportError{Phase: PhasePolling, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, false, &TransportError{Phase: PhasePolling, Err: err}
	}

	// A bad poll status is fatal, not silently retried.
	if resp.StatusCode != http.StatusOK {
		return 0, false, &TransportError{
			Phase: PhasePolling,
			Err:   fmt.Errorf("submission status returned %d", resp.StatusCode),
		}
	}

	var ss submissionStatus
	if err := json.Unmarshal(body, &ss); err != nil {
		return 0, false, &TransportError{Phase: PhasePolling, Err: fmt.Errorf("malformed submission status: %w", err)}
	}

	for _, job := range ss.Jobs {
		if job != nil {
			return *job, true, nil
		}
	}
	return 0, false, nil
}

// FetchCalibration retrieves the solved solution for a job. An empty or
// field-less body means the image was not solvable.
func (c *Client) FetchCalibration(ctx context.Context, jobID int64) (Calibration, error) {
	calibURL := fmt.Sprintf("%s/api/jobs/%d/calibration/", c.baseURL, jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, calibURL, nil)
	if err != nil {
		return Calibration{}, &TransportError{Phase: PhaseFetching, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Calibration{}, &TransportError{Phase: PhaseFetching, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Calibration{}, &TransportError{Phase: PhaseFetching, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return Calibration{}, &CalibrationError{JobID: jobID, Reason: fmt.Sprintf("calibration returned status %d", resp.StatusCode)}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return Calibration{}, &CalibrationError{JobID: jobID, Reason: "empty calibration body"}
	}

	var raw struct {
		RA       *float64 `json:"ra"`
		Dec      *float64 `json:"dec"`
		Pixscale *float64 `json:"pixscale"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Calibration{}, &TransportError{Phase: PhaseFetching, Err: fmt.Errorf("malformed calibration response: %w", err)}
	}
	if raw.RA == nil || raw.Dec == nil || raw.Pixscale == nil {
		return Calibration{}, &CalibrationError{JobID: jobID, Reason: "calibration missing ra/dec/pixscale"}
	}

	return Calibration{
		CenterRA:         *raw.RA,
		CenterDec:        *raw.Dec,
		PixelScaleArcsec: *raw.Pixscale,
	}, nil
}
