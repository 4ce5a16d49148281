// Package transport is the thin, single-attempt HTTP executor every other
// component funnels backend calls through (spec §4.12 / §6). It performs
// exactly one HTTP attempt per call; retry policy lives one layer up in the
// indexer (spec §1 non-goal: "HTTP retry mechanics below the wrapper").
//
// Grounded on internal/perception/client.go: a config-driven *http.Client
// plus a derived client with a different (here: larger) timeout for one
// call kind.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tscore/internal/errs"
)

// Config configures the transport (spec §6 "Environment & config").
type Config struct {
	Host              string
	Port              int
	Protocol          string
	APIKey            string
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	ImportReadTimeout time.Duration // elevated timeout for bulk import
}

// Client executes one HTTP request per call against the backend.
type Client struct {
	cfg        Config
	httpClient *http.Client
	importOnce *http.Client
}

// New builds a Client from Config, deriving a second *http.Client with an
// elevated timeout for import calls, mirroring ZAIClient's
// NewZAIClientWithConfig pattern.
func New(cfg Config) *Client {
	if cfg.ImportReadTimeout == 0 {
		cfg.ImportReadTimeout = cfg.ReadTimeout
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		importOnce: &http.Client{
			Timeout: cfg.ConnectTimeout + cfg.ImportReadTimeout,
		},
	}
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.cfg.Protocol, c.cfg.Host, c.cfg.Port)
}

// Response is the decoded result of one HTTP call.
type Response struct {
	Status int
	Body   []byte
}

// JSON unmarshals Body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Do issues a single HTTP request. query may be nil. body, if non-nil, is
// marshaled as JSON unless raw is true, in which case body must be a []byte
// already in wire format (used for JSONL import bodies).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any, raw bool, useImportClient bool) (*Response, error) {
	u := c.baseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	contentType := "application/json"
	if body != nil {
		if raw {
			b, ok := body.([]byte)
			if !ok {
				return nil, errs.New(errs.KindInvalidParams, "raw body must be []byte")
			}
			reader = bytes.NewReader(b)
			contentType = "text/plain"
		} else {
			b, err := json.Marshal(body)
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidParams, err, "marshaling request body")
			}
			reader = bytes.NewReader(b)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidParams, err, "building request")
	}
	req.Header.Set("Content-Type", contentType)
	if c.cfg.APIKey != "" {
		req.Header.Set("X-TYPESENSE-API-KEY", c.cfg.APIKey)
	}

	client := c.httpClient
	if useImportClient {
		client = c.importOnce
	}

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, errs.Wrap(errs.KindTimeout, err, "%s %s timed out", method, path)
		}
		return nil, errs.Wrap(errs.KindConnection, err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, err, "reading response body for %s %s", method, path)
	}

	if resp.StatusCode >= 400 {
		return &Response{Status: resp.StatusCode, Body: respBody}, errs.API(resp.StatusCode, string(respBody))
	}
	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

func isTimeout(err error) bool {
	type timeoutError interface{ Timeout() bool }
	if te, ok := err.(timeoutError); ok {
		return te.Timeout()
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline exceeded")
}
