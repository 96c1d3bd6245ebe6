package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
)

// LoggingRoundTripper implements http.RoundTripper. It traces requests and
// responses at debug level, buffering bodies so the next transport and the
// caller can still read them.
type LoggingRoundTripper struct {
	// UnderlyingTransport performs the actual round trip.
	// If nil, http.DefaultTransport will be used.
	UnderlyingTransport http.RoundTripper
}

func (l *LoggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := l.UnderlyingTransport
	if transport == nil {
		transport = http.DefaultTransport
	}

	// Body capture is only worth the copy when debug logging is on.
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return transport.RoundTrip(req)
	}

	var reqBody []byte
	if req.Body != nil {
		reqBody, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(reqBody))
	}
	slog.Debug("http request",
		"method", req.Method,
		"url", req.URL.String(),
		"body", string(reqBody))

	resp, err := transport.RoundTrip(req)
	if err != nil {
		slog.Debug("http transport error", "error", err)
		return nil, err
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	slog.Debug("http response", "status", resp.StatusCode, "body", string(respBody))

	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	return resp, nil
}
