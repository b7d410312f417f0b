package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// TokenSource provides the bearer token attached to hub requests. An empty token sends the request
// without an Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Client talks to the hub's JSON API. Every call is authenticated with the token from its TokenSource,
// and responses wrapped in the hub's envelope are unwrapped before decoding.
type Client struct {
	baseURL string
	tokens  TokenSource

	client *http.Client

	logger *slog.Logger
}

// APIError is a failed hub request other than an authentication failure.
type APIError struct {
	Status  int
	Message string
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    *int            `json:"code"`
	Data    json.RawMessage `json:"data"`
}

const (
	defaultPageSize = 20

	errLoggerKey = "err"
)

// ErrUnauthorized is returned when the hub rejects the request with HTTP 401, meaning the token is
// missing, invalid or expired.
var ErrUnauthorized = errors.New("unauthorized")

// NewClient creates a Client for the hub at baseURL, e.g. "http://localhost:8080". The API prefix is
// added by the client.
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) Client {
	if tokens == nil {
		tokens = StaticToken("")
	}
	return Client{
		baseURL: strings.TrimSuffix(baseURL, "/") + "/api",
		tokens:  tokens,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "api")),
	}
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned status %d", e.Status)
	}
	return fmt.Sprintf("hub returned status %d: %s", e.Status, e.Message)
}

func (c Client) newRequest(
	ctx context.Context,
	method, path string,
	query url.Values,
	body any,
) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// send issues req and returns the response if it has a success status. Any other status is turned into
// an error and the body is closed.
func (c Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrUnauthorized
	}

	apiErr := &APIError{Status: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Message != "" {
			apiErr.Message = env.Message
		}
	}

	c.logger.Debug("Request failed",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
		slog.String("message", apiErr.Message))

	return nil, apiErr
}

// call performs a JSON request and decodes the unwrapped response into out, which may be nil.
func (c Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response: %w", err)
	}

	data, err := unwrap(raw)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error unmarshaling response: %w", err)
	}
	return nil
}

// unwrap returns the payload of an enveloped response. A body that is not an envelope is returned
// unchanged.
func unwrap(raw []byte) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw, nil
	}
	if _, ok := fields["success"]; !ok {
		return raw, nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("error unmarshaling envelope: %w", err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "Unknown API error"
		}
		status := 0
		if env.Code != nil {
			status = *env.Code
		}
		if status == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, &APIError{Status: status, Message: msg}
	}
	if bytes.Equal(env.Data, []byte("null")) {
		return nil, nil
	}
	return env.Data, nil
}

// pageQuery builds the pagination parameters the hub expects. Out of range values fall back to the
// first page and the default page size.
func pageQuery(page, pageSize int) url.Values {
	if page < 0 {
		page = 0
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return url.Values{
		"page":     {strconv.Itoa(page)},
		"pageSize": {strconv.Itoa(pageSize)},
	}
}
