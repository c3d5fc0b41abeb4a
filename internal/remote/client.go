// Package remote is the HTTP client for the server-side collaborators the
// outbox replays against and the client calls directly while online.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/outbox"
	"go.uber.org/zap"
)

// Item types understood by Apply.
const (
	TypeCreateTutorial = "create_tutorial"
	TypeCreateJournal  = "create_journal"
	TypeRateTutorial   = "rate_tutorial"
	TypeSendMessage    = "send_message"
	TypeReportContent  = "report_content"
)

const (
	defaultTimeout   = 15 * time.Second
	maxErrorBodySize = 4096
)

var (
	ErrMissingBaseURL    = errors.New("remote: base url required")
	ErrMissingRouteParam = errors.New("remote: payload is missing a route parameter")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Terminal reports whether retrying the same request cannot succeed. Client
// errors are terminal except timeouts and throttling.
func (e *StatusError) Terminal() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

type route struct {
	method string
	path   string
	param  string
}

var routes = map[string]route{
	TypeCreateTutorial: {method: http.MethodPost, path: "/api/tutorials"},
	TypeCreateJournal:  {method: http.MethodPost, path: "/api/journal"},
	TypeRateTutorial:   {method: http.MethodPost, path: "/api/tutorials/%s/ratings", param: "tutorialId"},
	TypeSendMessage:    {method: http.MethodPost, path: "/api/rooms/%s/messages", param: "roomId"},
}

// Config describes the remote client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues authenticated JSON requests.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, token: cfg.Token, httpClient: httpClient, logger: logger}, nil
}

// Apply performs the remote operation for a queued item type. Types without a
// replay route return outbox.ErrUnsupportedType.
func (c *Client) Apply(ctx context.Context, itemType string, payload json.RawMessage) error {
	target, ok := routes[itemType]
	if !ok {
		return fmt.Errorf("%w: %s", outbox.ErrUnsupportedType, itemType)
	}
	path := target.path
	if target.param != "" {
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			return outbox.Terminal(fmt.Errorf("remote: decode %s payload: %w", itemType, err))
		}
		value, _ := fields[target.param].(string)
		if strings.TrimSpace(value) == "" {
			return outbox.Terminal(fmt.Errorf("%w: %s needs %s", ErrMissingRouteParam, itemType, target.param))
		}
		path = fmt.Sprintf(target.path, url.PathEscape(value))
	}
	return c.Do(ctx, target.method, path, payload, nil)
}

// Do sends body as JSON and decodes a JSON response into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := encodeBody(body)
		if err != nil {
			return outbox.Terminal(fmt.Errorf("remote: encode request: %w", err))
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return outbox.Terminal(fmt.Errorf("remote: build request: %w", err))
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("remote request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodySize))
		statusErr := &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: response.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
		c.logger.Info("remote request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return statusErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

func encodeBody(body any) ([]byte, error) {
	switch value := body.(type) {
	case json.RawMessage:
		return value, nil
	case []byte:
		return value, nil
	default:
		return json.Marshal(body)
	}
}
