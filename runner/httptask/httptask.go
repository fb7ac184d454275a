// Package httptask provides the "http" task type: a single HTTP request whose
// response becomes the task output.
package httptask

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Runner performs HTTP requests described by task config:
//
//	config:
//	  url: https://example.com/api
//	  method: POST        # optional, default GET
//	  body: '{"a": 1}'    # optional
//	  headers:            # optional
//	    Content-Type: application/json
//
// Output is {"status_code": int, "body": string, "headers": map[string]string}.
type Runner struct {
	client *http.Client
	logger *slog.Logger
}

// Option configures the Runner.
type Option func(*Runner)

// WithClient sets a custom HTTP client.
func WithClient(client *http.Client) Option {
	return func(r *Runner) {
		r.client = client
	}
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// New creates an HTTP runner. The default client carries a 30s timeout;
// per-task timeouts still apply through the attempt context.
func New(options ...Option) *Runner {
	r := &Runner{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Name returns the task type this runner serves.
func (r *Runner) Name() string { return "http" }

// Validate requires a non-empty url and, when present, a known method.
func (r *Runner) Validate(config map[string]interface{}) error {
	if _, err := stringKey(config, "url", true); err != nil {
		return err
	}
	method, err := stringKey(config, "method", false)
	if err != nil {
		return err
	}
	if method != "" {
		switch strings.ToUpper(method) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		default:
			return fmt.Errorf("unsupported HTTP method %q", method)
		}
	}
	return nil
}

// Execute performs the request. Responses with status >= 400 are errors so
// the retry controller can re-attempt them.
func (r *Runner) Execute(ctx context.Context, config map[string]interface{}, input map[string]interface{}) (map[string]interface{}, error) {
	url, err := stringKey(config, "url", true)
	if err != nil {
		return nil, err
	}
	method, _ := stringKey(config, "method", false)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var bodyReader io.Reader
	if body, _ := stringKey(config, "body", false); body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	applyHeaders(req, config)

	r.logger.Debug("sending http request", "method", method, "url", url)
	start := time.Now()

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	r.logger.Debug("http request finished",
		"method", method,
		"url", url,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request to %s returned status %d", url, resp.StatusCode)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
		"headers":     headers,
	}, nil
}

func applyHeaders(req *http.Request, config map[string]interface{}) {
	raw, ok := config["headers"]
	if !ok {
		return
	}
	headers, ok := raw.(map[string]interface{})
	if !ok {
		return
	}
	for name, value := range headers {
		if s, ok := value.(string); ok {
			req.Header.Set(name, s)
		}
	}
}

func stringKey(config map[string]interface{}, key string, required bool) (string, error) {
	raw, ok := config[key]
	if !ok {
		if required {
			return "", fmt.Errorf("config is missing required key '%s'", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("config key '%s' must be a string", key)
	}
	if required && s == "" {
		return "", fmt.Errorf("config key '%s' must not be empty", key)
	}
	return s, nil
}
