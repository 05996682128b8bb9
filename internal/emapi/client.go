package emapi

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
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Gateway endpoint paths, appended to the base URL as-is. The list and
// downlink paths carry a leading slash in the gateway's published client and
// are reproduced verbatim.
const (
	pathAuth          = "auth/"
	pathFilesList     = "/em/files/list"
	pathFilesUplink   = "em/files/uplink"
	pathFilesDownlink = "/em/files/downlink"
	pathFilesDelete   = "em/files/delete"
	pathImageBuild    = "em/pod/image/build"
	pathImageLoad     = "em/pod/image/load"
	pathImageList     = "em/pod/image/list"
	pathPodRun        = "em/pod/run"
	pathPodStatus     = "em/pod/status"
)

const (
	// maxAttempts bounds network attempts per logical call: the original
	// request plus one replay after re-authentication.
	maxAttempts = 2

	defaultUserAgent = "emctl/0.1"
	headerRequestID  = "X-Request-ID"

	// maxPayloadBytes caps JSON response bodies read into memory.
	maxPayloadBytes = 32 << 20
)

// requestBody is a replayable request body. open is called once per attempt
// and must return the same bytes every time.
type requestBody struct {
	contentType string
	length      int64 // -1 when unknown
	open        func() (io.Reader, error)
}

// jsonBody encodes v once and replays the encoded bytes.
func jsonBody(v any) (*requestBody, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("emapi: encoding request: %w", err)
	}

	return &requestBody{
		contentType: "application/json",
		length:      int64(len(data)),
		open:        func() (io.Reader, error) { return bytes.NewReader(data), nil },
	}, nil
}

// localFile is an opened upload source. *os.File satisfies it.
type localFile interface {
	io.ReadSeekCloser
	Stat() (os.FileInfo, error)
}

// Client is an HTTP client for the EM gateway. It attaches the session's
// bearer token to every request and recovers from a rejected token by
// re-authenticating and replaying the request once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *Session
	logger     *slog.Logger
	userAgent  string
	chunkSize  int

	// openLocal opens upload sources. Tests override it to observe handles.
	openLocal func(name string) (localFile, error)

	// newRequestID returns the correlation ID shared by both attempts of a call.
	newRequestID func() string
}

// Option configures a Client.
type Option func(*Client)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithChunkSize sets the default download write size in bytes.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// NewClient creates a gateway client. baseURL is the gateway root; a missing
// trailing slash is added.
func NewClient(baseURL string, httpClient *http.Client, session *Session, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		baseURL:      normalizeBaseURL(baseURL),
		httpClient:   httpClient,
		session:      session,
		logger:       logger,
		userAgent:    defaultUserAgent,
		chunkSize:    defaultChunkSize,
		openLocal:    openOSFile,
		newRequestID: uuid.NewString,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Session returns the session the client authenticates with.
func (c *Client) Session() *Session {
	return c.session
}

func openOSFile(name string) (localFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func normalizeBaseURL(raw string) string {
	if strings.HasSuffix(raw, "/") {
		return raw
	}

	return raw + "/"
}

// Do executes an authorized request and returns the response on 2xx.
// The caller closes the response body.
//
// The call moves through at most two attempts:
//
//	first attempt -> 2xx: done
//	              -> 401: refresh token -> replay attempt -> any result: done
//	              -> other: done
//
// A replay reuses the method, query and body unchanged. Non-2xx results come
// back as *APIError; connection failures wrap ErrTransport. Nothing is
// retried except the single replay after a 401.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body *requestBody) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	reqID := c.newRequestID()

	tok, err := c.session.ensure(ctx)
	if err != nil {
		return nil, fmt.Errorf("emapi: %s %s: %w", method, path, err)
	}

	for attempt := 1; ; attempt++ {
		resp, err := c.doOnce(ctx, method, target, body, tok, reqID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("emapi: request canceled: %w", ctx.Err())
			}

			c.logger.Warn("request failed",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("request_id", reqID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)

			return nil, fmt.Errorf("emapi: %s %s: %w: %w", method, path, ErrTransport, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("request_id", reqID),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)

			return resp, nil
		}

		apiErr := readAPIError(resp, reqID)

		if resp.StatusCode == http.StatusUnauthorized && attempt < maxAttempts {
			c.logger.Info("token rejected, re-authenticating",
				slog.String("method", method),
				slog.String("path", path),
				slog.String("request_id", reqID),
			)

			tok, err = c.session.refresh(ctx, tok)
			if err != nil {
				return nil, fmt.Errorf("emapi: re-authenticating for %s %s: %w", method, path, err)
			}

			continue
		}

		c.logger.Debug("request rejected",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("request_id", reqID),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempts", attempt),
		)

		return nil, apiErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, method, target string, body *requestBody, tok *oauth2.Token, reqID string,
) (*http.Response, error) {
	var (
		r   io.Reader
		err error
	)

	if body != nil {
		r, err = body.open()
		if err != nil {
			return nil, fmt.Errorf("opening request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		if rc, ok := r.(io.Closer); ok {
			rc.Close()
		}

		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok.SetAuthHeader(req)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headerRequestID, reqID)

	if body != nil {
		req.Header.Set("Content-Type", body.contentType)

		if body.length >= 0 {
			req.ContentLength = body.length
		}
	}

	return c.httpClient.Do(req)
}

// readAPIError drains and closes an error response.
func readAPIError(resp *http.Response, reqID string) *APIError {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		data = []byte("(failed to read response body)")
	}

	if id := resp.Header.Get(headerRequestID); id != "" {
		reqID = id
	}

	return newAPIError(resp.StatusCode, reqID, data)
}

// errNotJSON is returned when a success response is not a JSON document.
var errNotJSON = errors.New("response is not JSON")

// readPayload reads a JSON success body. The caller closes the body.
func readPayload(resp *http.Response) (Payload, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("emapi: reading response: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("emapi: HTTP %d: %w", resp.StatusCode, errNotJSON)
	}

	return Payload(data), nil
}

// doPayload runs an authorized request and reads its JSON payload.
func (c *Client) doPayload(ctx context.Context, method, path string, query url.Values, body *requestBody) (Payload, error) {
	resp, err := c.Do(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readPayload(resp)
}

// volumeQuery returns the pod_name query for a volume. The default volume is
// sent as an empty pod_name, which the gateway treats like an omitted one.
func volumeQuery(podName string) url.Values {
	q := url.Values{}
	q.Set("pod_name", podName)

	return q
}
