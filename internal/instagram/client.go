package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Upload strategies. "binary" streams the raw video bytes to the resumable
// upload endpoint; "url" hands the Graph API a public video_url and lets Meta
// fetch it. Both end on the same container, so callers don't care which one
// the deployment picked.
const (
	StrategyBinary = "binary"
	StrategyURL    = "url"
)

const (
	defaultAPIBaseURL    = "https://graph.facebook.com/v19.0"
	defaultUploadBaseURL = "https://rupload.facebook.com/ig-api-upload/v19.0"
)

// Config is the full set of knobs for talking to the Graph API. It is built
// once (usually from env) and injected; nothing in this package reads ambient
// process state at call time.
type Config struct {
	APIBaseURL      string
	UploadBaseURL   string
	UploadStrategy  string
	PollInterval    time.Duration
	PollMaxAttempts int

	// Graph API rate limiting (shared across all calls of one client).
	RequestsPerSecond float64
	Burst             int
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:        defaultAPIBaseURL,
		UploadBaseURL:     defaultUploadBaseURL,
		UploadStrategy:    StrategyBinary,
		PollInterval:      5 * time.Second,
		PollMaxAttempts:   30,
		RequestsPerSecond: 2,
		Burst:             4,
	}
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// defaults. Env vars:
//
//	GRAPH_API_BASE_URL, GRAPH_UPLOAD_BASE_URL, IG_UPLOAD_STRATEGY,
//	IG_POLL_INTERVAL_SECONDS, IG_POLL_MAX_ATTEMPTS
func ConfigFromEnv(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := DefaultConfig()
	if v := strings.TrimSpace(getenv("GRAPH_API_BASE_URL")); v != "" {
		cfg.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(getenv("GRAPH_UPLOAD_BASE_URL")); v != "" {
		cfg.UploadBaseURL = strings.TrimRight(v, "/")
	}
	switch strings.TrimSpace(strings.ToLower(getenv("IG_UPLOAD_STRATEGY"))) {
	case StrategyURL:
		cfg.UploadStrategy = StrategyURL
	case StrategyBinary, "":
	default:
		// unknown values keep the binary default
	}
	if v := strings.TrimSpace(getenv("IG_POLL_INTERVAL_SECONDS")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.PollInterval = time.Duration(secs) * time.Second
		}
	}
	if v := strings.TrimSpace(getenv("IG_POLL_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollMaxAttempts = n
		}
	}
	return cfg
}

// ErrProcessingTimeout is returned by WaitForProcessing when the attempt
// budget runs out before the container reaches a terminal state.
var ErrProcessingTimeout = errors.New("video processing did not finish in time")

// ProcessingError is the terminal ERROR state of a container, with whatever
// diagnostic the platform supplied.
type ProcessingError struct {
	Diagnostic string
}

func (e *ProcessingError) Error() string {
	if strings.TrimSpace(e.Diagnostic) == "" {
		return "video processing failed"
	}
	return "video processing failed: " + e.Diagnostic
}

// Client talks to the Instagram content-publishing surface of the Graph API.
// Zero-value fields are filled with defaults on first use, so tests can set
// only what they need (a short Sleep, an httptest base URL, ...).
type Client struct {
	Config  Config
	HTTP    *http.Client
	Limiter *rate.Limiter

	// Sleep is the inter-poll delay; tests replace it to simulate elapsed
	// time without real waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Client {
	return &Client{Config: cfg}
}

func (c *Client) ensureDefaults() {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	if c.Config.APIBaseURL == "" {
		c.Config.APIBaseURL = defaultAPIBaseURL
	}
	if c.Config.UploadBaseURL == "" {
		c.Config.UploadBaseURL = defaultUploadBaseURL
	}
	if c.Config.PollInterval <= 0 {
		c.Config.PollInterval = 5 * time.Second
	}
	if c.Config.PollMaxAttempts <= 0 {
		c.Config.PollMaxAttempts = 30
	}
	if c.Limiter == nil {
		rps := c.Config.RequestsPerSecond
		if rps <= 0 {
			rps = 2
		}
		burst := c.Config.Burst
		if burst <= 0 {
			burst = 4
		}
		c.Limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if c.Sleep == nil {
		c.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
}

// CreateReelContainer opens a new REELS media container and returns its
// creation id. When videoURL is non-empty the container is created in
// reference-push mode (Meta fetches the bytes); otherwise a resumable upload
// session is opened and the caller must follow up with UploadVideo.
func (c *Client) CreateReelContainer(ctx context.Context, igUserID, accessToken, caption, videoURL string) (string, error) {
	c.ensureDefaults()

	form := url.Values{}
	form.Set("media_type", "REELS")
	form.Set("caption", caption)
	form.Set("access_token", accessToken)
	if videoURL != "" {
		form.Set("video_url", videoURL)
	} else {
		form.Set("upload_type", "resumable")
	}

	endpoint := fmt.Sprintf("%s/%s/media", c.Config.APIBaseURL, url.PathEscape(igUserID))
	status, body, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("container request returned HTTP %d: %s", status, extractGraphErrorMessage(body, string(body)))
	}
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &obj)
	if strings.TrimSpace(obj.ID) == "" {
		return "", fmt.Errorf("platform did not return a container id: %s", extractGraphErrorMessage(body, string(body)))
	}
	return obj.ID, nil
}

// UploadVideo streams the raw video bytes to the resumable upload endpoint
// for a container created with upload_type=resumable.
func (c *Client) UploadVideo(ctx context.Context, creationID, accessToken string, video io.Reader, size int64) error {
	c.ensureDefaults()
	if err := c.Limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/%s", c.Config.UploadBaseURL, url.PathEscape(creationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, video)
	if err != nil {
		return err
	}
	// The upload host authorizes with an OAuth header instead of a form
	// field, and the offset header is literally named "Offset".
	req.Header.Set("Authorization", "OAuth "+accessToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Offset", "0")
	if size > 0 {
		req.ContentLength = size
		req.Header.Set("File_size", strconv.FormatInt(size, 10))
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	_ = res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("upload returned HTTP %d: %s", res.StatusCode, extractGraphErrorMessage(body, string(body)))
	}
	var out struct {
		Success   bool            `json:"success"`
		DebugInfo json.RawMessage `json:"debug_info"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("upload returned a non-JSON body: %s", truncateBody(body, 500))
	}
	if !out.Success {
		detail := strings.TrimSpace(string(out.DebugInfo))
		if detail == "" {
			detail = truncateBody(body, 500)
		}
		return fmt.Errorf("upload was not accepted: %s", detail)
	}
	return nil
}

// WaitForProcessing polls the container's status_code until it reaches a
// terminal state or the attempt budget is spent. Transient transport or
// decode failures count as attempts and do not abort the wait.
func (c *Client) WaitForProcessing(ctx context.Context, creationID, accessToken string) error {
	c.ensureDefaults()

	last := ""
	for i := 0; i < c.Config.PollMaxAttempts; i++ {
		if i > 0 {
			if err := c.Sleep(ctx, c.Config.PollInterval); err != nil {
				return err
			}
		}
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}

		endpoint := fmt.Sprintf("%s/%s?fields=status_code&access_token=%s",
			c.Config.APIBaseURL, url.PathEscape(creationID), url.QueryEscape(accessToken))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		res, err := c.HTTP.Do(req)
		if err != nil {
			last = "request_error"
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		_ = res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			last = fmt.Sprintf("http_%d", res.StatusCode)
			continue
		}
		var sr struct {
			StatusCode string `json:"status_code"`
			Status     string `json:"status"`
		}
		if err := json.Unmarshal(body, &sr); err != nil {
			last = "bad_json"
			continue
		}
		last = strings.ToUpper(strings.TrimSpace(sr.StatusCode))
		switch last {
		case "FINISHED":
			return nil
		case "ERROR", "EXPIRED":
			diag := strings.TrimSpace(sr.Status)
			if diag == "" {
				diag = extractGraphErrorMessage(body, last)
			}
			return &ProcessingError{Diagnostic: diag}
		}
	}
	return fmt.Errorf("%w (last status: %s)", ErrProcessingTimeout, last)
}

// PublishMedia makes a fully processed container live and returns the
// permanent media id of the published Reel.
func (c *Client) PublishMedia(ctx context.Context, igUserID, creationID, accessToken string) (string, error) {
	c.ensureDefaults()

	form := url.Values{}
	form.Set("creation_id", creationID)
	form.Set("access_token", accessToken)

	endpoint := fmt.Sprintf("%s/%s/media_publish", c.Config.APIBaseURL, url.PathEscape(igUserID))
	status, body, err := c.postForm(ctx, endpoint, form)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("media_publish returned HTTP %d: %s", status, extractGraphErrorMessage(body, string(body)))
	}
	var obj struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(body, &obj)
	if strings.TrimSpace(obj.ID) == "" {
		return "", fmt.Errorf("platform did not return a media id: %s", extractGraphErrorMessage(body, string(body)))
	}
	return obj.ID, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	res, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	_ = res.Body.Close()
	return res.StatusCode, body, nil
}

// extractGraphErrorMessage digs the human-readable message out of a Graph API
// error payload ({"error":{"message":...}}), falling back to the raw body.
func extractGraphErrorMessage(body []byte, fallback string) string {
	var wrapper struct {
		Error struct {
			Message      string `json:"message"`
			Type         string `json:"type"`
			Code         int    `json:"code"`
			ErrorSubcode int    `json:"error_subcode"`
			UserMessage  string `json:"error_user_msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil {
		if m := strings.TrimSpace(wrapper.Error.UserMessage); m != "" {
			return m
		}
		if m := strings.TrimSpace(wrapper.Error.Message); m != "" {
			if wrapper.Error.Code != 0 {
				return fmt.Sprintf("%s (code %d)", m, wrapper.Error.Code)
			}
			return m
		}
	}
	return truncateBody([]byte(fallback), 500)
}

func truncateBody(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
