package main

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggingRoundTripperPreservesBodies(t *testing.T) {
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	rt := &LoggingRoundTripper{
		UnderlyingTransport: &MockRoundTripper{
			Handler: func(req *http.Request) (*http.Response, error) {
				body, err := io.ReadAll(req.Body)
				require.NoError(t, err)
				require.JSONEq(t, `{"ESIID": "esi"}`, string(body), "request body must survive the debug capture")
				return jsonResponse(http.StatusOK, `{"data": {"odrread": 1}}`), nil
			},
		},
	}

	req, err := http.NewRequest(http.MethodPost, smtBaseURL+latestPath, strings.NewReader(`{"ESIID": "esi"}`))
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"data": {"odrread": 1}}`, string(body), "response body must survive the debug capture")
}

func TestLoggingRoundTripperPassthroughWhenDebugDisabled(t *testing.T) {
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	defer slog.SetDefault(prev)

	called := false
	rt := &LoggingRoundTripper{
		UnderlyingTransport: &MockRoundTripper{
			Handler: func(req *http.Request) (*http.Response, error) {
				called = true
				return jsonResponse(http.StatusOK, `{}`), nil
			},
		},
	}

	resp, err := rt.RoundTrip(&http.Request{Method: http.MethodPost})
	require.NoError(t, err)
	resp.Body.Close()
	require.True(t, called)
}
