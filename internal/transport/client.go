package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"

	"github.com/al-bashkir/otp-credential-auth/internal/config"
	"github.com/al-bashkir/otp-credential-auth/internal/logsanitize"
)

// Params are the form or query parameters of one request.
type Params map[string]string

// Endpoint is the validation server as seen by the login state machine.
type Endpoint interface {
	// Connect sends params to path and returns the raw response body.
	// The error is non-nil only when no usable response was received.
	Connect(ctx context.Context, path string, params Params, method string) ([]byte, error)
	// PollTransaction asks once whether a push challenge was confirmed.
	PollTransaction(ctx context.Context, transactionID string) Status
	// FinalizePolling completes a confirmed push transaction. The body is
	// the /validate/check answer and may carry offline data.
	FinalizePolling(ctx context.Context, user, transactionID string) (Status, []byte)
}

// Client is the HTTP implementation of Endpoint.
type Client struct {
	baseURL string
	http    *req.Client
}

// NewClient builds a client for cfg. When OAuth2 client credentials are
// configured every request carries a bearer token.
func NewClient(ctx context.Context, cfg *config.EndpointConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("endpoint URL is empty")
	}

	c := req.C().
		SetTimeout(time.Duration(cfg.RequestTimeout) * time.Second).
		SetUserAgent(cfg.UserAgent).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)

	if cfg.InsecureSkipVerify {
		slog.Warn("TLS certificate verification for the validation server is disabled")
		c.EnableInsecureSkipVerify()
	}

	if cfg.OAuth2.Enabled() {
		ts := newTokenSource(ctx, &cfg.OAuth2)
		c.OnBeforeRequest(func(_ *req.Client, r *req.Request) error {
			tok, err := ts.Token()
			if err != nil {
				return fmt.Errorf("failed to obtain access token: %w", err)
			}
			r.SetBearerAuthToken(tok.AccessToken)
			return nil
		})
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    c,
	}, nil
}

// Connect implements Endpoint. GET sends params as query, everything else as
// a form encoded POST.
func (c *Client) Connect(ctx context.Context, path string, params Params, method string) ([]byte, error) {
	r := c.http.R().SetContext(ctx)

	var (
		resp *req.Response
		err  error
	)
	url := c.baseURL + path
	if method == http.MethodGet {
		resp, err = r.SetQueryParams(params).Get(url)
	} else {
		resp, err = r.SetFormData(params).Post(url)
	}
	if err != nil {
		slog.Warn("validation server request failed",
			"path", path,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	body, err := resp.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrNotConnected, err)
	}

	if resp.IsErrorState() {
		slog.Warn("validation server returned an error",
			"path", path,
			"status", resp.GetStatusCode(),
			"message", logsanitize.Sanitize(ErrorMessage(body)),
		)
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: HTTP %d", ErrServer, resp.GetStatusCode())
		}
	}

	slog.Debug("validation server response",
		"path", path,
		"status", resp.GetStatusCode(),
		"bytes", len(body),
	)
	return body, nil
}

// PollTransaction implements Endpoint.
func (c *Client) PollTransaction(ctx context.Context, transactionID string) Status {
	body, err := c.Connect(ctx, PathPollTransaction, Params{"transaction_id": transactionID}, http.MethodGet)
	if err != nil {
		return StatusNotConnected
	}
	return ParsePollResponse(body)
}

// FinalizePolling implements Endpoint. A confirmed push is completed by a
// /validate/check with an empty pass and the transaction id.
func (c *Client) FinalizePolling(ctx context.Context, user, transactionID string) (Status, []byte) {
	body, err := c.Connect(ctx, PathValidateCheck, Params{
		"user":           user,
		"pass":           "",
		"transaction_id": transactionID,
	}, http.MethodPost)
	if err != nil {
		return StatusNotConnected, nil
	}
	return ParseAuthenticationResponse(body), body
}
