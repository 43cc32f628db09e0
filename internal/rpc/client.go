package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/utils"
)

// DefaultCallTimeout bounds every outbound call.
const DefaultCallTimeout = 3 * time.Second

// maxResponseBytes caps the response body read from a peer.
const maxResponseBytes = 4 << 20

// Result is the outcome of an asynchronous call.
type Result struct {
	Doc codec.Document
	Err error
}

// OK reports whether the call produced a document.
func (r Result) OK() bool { return r.Err == nil && r.Doc != nil }

// Client issues calls to peers' endpoint tables.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  logger.Logger
	sink    gometrics.MetricSink
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClientMetricSink(sink gometrics.MetricSink) ClientOption {
	return func(c *Client) { c.sink = sink }
}

func NewClient(log logger.Logger, opts ...ClientOption) *Client {
	c := &Client{
		timeout: DefaultCallTimeout,
		logger:  log,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sink = metrics.OrBlackhole(c.sink)
	c.http = &http.Client{
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         (&net.Dialer{Timeout: c.timeout}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	return c
}

func (c *Client) Timeout() time.Duration { return c.timeout }

// Call sends req to endpoint on addr:port and waits at most the client
// timeout for the answer. Failures are returned as wrapped sentinels.
func (c *Client) Call(ctx context.Context, addr string, port int, endpoint string, req codec.Document) (codec.Document, error) {
	start := time.Now()
	labels := []gometrics.Label{metrics.LabelEndpoint.M(endpoint)}
	c.sink.IncrCounterWithLabels(metrics.RPCCallCount, 1, labels)
	defer metrics.Since(c.sink, metrics.RPCCallLatency, start, labels...)

	doc, err := c.call(ctx, addr, port, endpoint, req)
	if err != nil {
		c.sink.IncrCounterWithLabels(metrics.RPCCallErrorCount, 1, append(labels, metrics.LabelError.M(errorLabel(err))))
		c.logger.Debug("rpc call failed",
			logger.String("peer", utils.HostPort(addr, port)),
			logger.String("endpoint", endpoint),
			logger.Error(err))
		return nil, err
	}
	return doc, nil
}

func (c *Client) call(ctx context.Context, addr string, port int, endpoint string, req codec.Document) (codec.Document, error) {
	target := utils.HostPort(addr, port)

	text, err := codec.Encode(req)
	if err != nil {
		return nil, err
	}

	u := url.URL{
		Scheme:   "http",
		Host:     target,
		Path:     "/" + endpoint,
		RawQuery: url.Values{QueryParam: []string{text}}.Encode(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("call %s/%s: %w", target, endpoint, err)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("call %s/%s: %w", target, endpoint, ErrTimeout)
		}
		return nil, fmt.Errorf("call %s/%s: %w: %v", target, endpoint, ErrUnreachable, err)
	}
	defer utils.Close(res.Body)

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("call %s/%s: %w", target, endpoint, ErrTimeout)
		}
		return nil, fmt.Errorf("call %s/%s: %w: %v", target, endpoint, ErrUnreachable, err)
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("call %s/%s: %w", target, endpoint, ErrUnknownEndpoint)
	case res.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("call %s/%s: %w (status %d)", target, endpoint, ErrRemoteFailure, res.StatusCode)
	case len(body) == 0:
		return nil, fmt.Errorf("call %s/%s: %w", target, endpoint, ErrEmptyResponse)
	}

	doc, err := codec.DecodeBytes(body)
	if err != nil {
		return nil, fmt.Errorf("call %s/%s: %w: %v", target, endpoint, ErrMalformedResponse, err)
	}
	return doc, nil
}

// Go runs Call in the background. The channel receives exactly one Result.
func (c *Client) Go(ctx context.Context, addr string, port int, endpoint string, req codec.Document) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		doc, err := c.Call(ctx, addr, port, endpoint, req)
		out <- Result{Doc: doc, Err: err}
	}()
	return out
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrUnknownEndpoint):
		return "unknown_endpoint"
	case errors.Is(err, ErrRemoteFailure):
		return "remote_failure"
	case errors.Is(err, ErrEmptyResponse):
		return "empty_response"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "unknown"
	}
}
