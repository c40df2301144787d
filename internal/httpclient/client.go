// Package httpclient implements the HTTP Client Wrapper: one *http.Client
// per Run Context, configured per the spec's fixed timeout/pool numbers,
// with TLS verification off and an optional client certificate.
//
// Grounded on the teacher's internal/worker/retry_client.go for the
// request-construction shape (method, header/cookie application, body
// buffering only for non-stream responses); the retry/backoff loop itself
// is NOT carried here; the spec's HTTP Client Wrapper treats a non-200
// response as a plain failure with no client-level retry (retries belong
// to the Cross-Worker Coordinator's snapshot send, internal/coordinator).
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/riftlab/chatstress/internal/errs"
)

// Config carries the fixed timeout/pool numbers from the spec.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolTimeout    time.Duration
	MaxIdleConns   int
	KeepAlive      time.Duration

	CertFile string
	KeyFile  string
}

// DefaultConfig returns the spec's fixed numbers: connect 10s, read 30s
// (non-stream), write 10s, pool 5s, keep-alive pool max 100 / keepalive 20.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		PoolTimeout:    5 * time.Second,
		MaxIdleConns:   100,
		KeepAlive:      20 * time.Second,
	}
}

// Client wraps one *http.Client built from Config, shared by every
// virtual user in a Run Context.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// New builds a Client, loading the configured client certificate (a
// combined PEM file, or a (cert, key) pair) if CertFile is set.
func New(cfg Config) (*Client, error) {
	tlsConf := &tls.Config{InsecureSkipVerify: true}

	if cfg.CertFile != "" {
		keyFile := cfg.KeyFile
		if keyFile == "" {
			keyFile = cfg.CertFile // combined cert+key PEM in one file
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, keyFile)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransport, "load client certificate", err)
		}
		tlsConf.Certificates = []tls.Certificate{cert}
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAlive,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConf,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: cfg.WriteTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.KeepAlive,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		cfg:        cfg,
	}, nil
}

// Response is what Post returns: either a fully-read body (non-stream) or
// an open, unbuffered body the caller must consume as a record iterator
// (stream) and Close when done.
type Response struct {
	StatusCode int
	Header     http.Header

	// Body is set only when Stream is true; the caller owns closing it.
	Body io.ReadCloser
	// BufferedBody is set only when Stream is false.
	BufferedBody []byte

	Stream bool
}

// Post issues one request. When stream is false the response body is
// fully read and closed before returning; when true the body is returned
// open for record-at-a-time consumption and the wrapper performs no
// buffering of its own, per the streaming contract.
func (c *Client) Post(ctx context.Context, targetHost, path string, body []byte, headers, cookies map[string]string, stream bool) (*Response, error) {
	url := targetHost + path

	reqCtx := ctx
	if !stream {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.cfg.ReadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for k, v := range cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := reqCtx.Err(); ctxErr != nil {
			return nil, errs.Wrap(errs.KindTimeout, "request deadline exceeded", err)
		}
		return nil, errs.Wrap(errs.KindTransport, "request failed", err)
	}

	if stream {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
			Stream:     true,
		}, nil
	}

	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, "read response body", err)
	}
	return &Response{
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		BufferedBody: buf,
		Stream:       false,
	}, nil
}

// IsFailure reports whether status is a non-200 failure per the Metric
// Emitter / error taxonomy contract.
func IsFailure(statusCode int) bool {
	return statusCode < 200 || statusCode >= 300
}
