// COPYRIGHT 2024 FERMI NATIONAL ACCELERATOR LABORATORY
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pushgateway delivers exposition-format bodies to a Prometheus Pushgateway.  A Client makes single attempts,
// and Deliver wraps attempts in the bounded constant-interval retry the forwarder uses.
package pushgateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	contentType = "application/octet-stream"
	// maxErrorBody bounds how much of an error response body is kept in an HTTPError
	maxErrorBody = 512
)

// Errors returned by URL
var (
	ErrInvalidHost     = errors.New("invalid pushgateway host")
	ErrInvalidPort     = errors.New("invalid pushgateway port")
	ErrInvalidJob      = errors.New("invalid job name")
	ErrInvalidInstance = errors.New("invalid instance name")
)

// URL returns the push endpoint for the job and instance grouping key on the pushgateway at host:port.  The instance
// segment is left out when instance is empty.
func URL(host string, port int, job, instance string) (*url.URL, error) {
	if host == "" || strings.ContainsAny(host, "/?#@ \t") {
		return nil, fmt.Errorf("%w %q", ErrInvalidHost, host)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w %d", ErrInvalidPort, port)
	}
	if job == "" || strings.Contains(job, "/") {
		return nil, fmt.Errorf("%w %q", ErrInvalidJob, job)
	}
	if strings.Contains(instance, "/") {
		return nil, fmt.Errorf("%w %q", ErrInvalidInstance, instance)
	}

	path := "/metrics/job/" + job
	if instance != "" {
		path += "/instance/" + instance
	}
	u := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   path,
	}

	// Round trip through the parser so that hosts net/http would refuse are caught now rather than on first delivery
	parsed, err := url.Parse(u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHost, err)
	}
	if parsed.Hostname() != host {
		return nil, fmt.Errorf("%w %q", ErrInvalidHost, host)
	}
	return parsed, nil
}

// TimeoutError is returned when an attempt does not complete within the per-attempt timeout
type TimeoutError struct {
	Err error
}

func (t *TimeoutError) Error() string {
	return fmt.Sprintf("timed out posting to pushgateway: %s", t.Err)
}
func (t *TimeoutError) Unwrap() error { return t.Err }

// ConnectionError is returned when the pushgateway cannot be reached at all
type ConnectionError struct {
	Err error
}

func (c *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to pushgateway: %s", c.Err)
}
func (c *ConnectionError) Unwrap() error { return c.Err }

// HTTPError is returned when the pushgateway answers with a non-2xx status
type HTTPError struct {
	StatusCode int
	Body       string
}

func (h *HTTPError) Error() string {
	msg := fmt.Sprintf("pushgateway returned %d %s", h.StatusCode, http.StatusText(h.StatusCode))
	if h.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, h.Body)
	}
	return msg
}

// Client posts bodies to a single pushgateway endpoint
type Client struct {
	endpoint   *url.URL
	timeout    time.Duration
	httpClient *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient makes the Client send its requests through httpClient instead of http.DefaultClient
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// NewClient returns a Client for endpoint whose attempts each last at most timeout
func NewClient(endpoint *url.URL, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		timeout:    timeout,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the URL the Client posts to
func (c *Client) Endpoint() *url.URL { return c.endpoint }

// Post makes a single delivery attempt.  Any 2xx response is success.  Failures are returned as a *TimeoutError,
// *ConnectionError, or *HTTPError, except that if ctx itself is done its error is returned as is.
func (c *Client) Post(ctx context.Context, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return &ConnectionError{err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return &TimeoutError{err}
		}
		return &ConnectionError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	io.Copy(io.Discard, resp.Body)
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
}
