package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// A trigger phase that exhausts its retry budget must not stop the poll:
// the provider sometimes completes the read anyway.
func TestReadMeterPollsAfterTriggerExhaustion(t *testing.T) {
	triggerCalls := 0
	pollCalls := 0
	handler := func(req *http.Request) (*http.Response, error) {
		switch req.URL.Path {
		case authPath:
			return jsonResponse(http.StatusOK, `{"token": "tok"}`), nil
		case dashboardPath:
			return jsonResponse(http.StatusOK, dashboardBody), nil
		case triggerPath:
			triggerCalls++
			return jsonResponse(http.StatusInternalServerError, `oops`), nil
		case latestPath:
			pollCalls++
			return jsonResponse(http.StatusOK, `{"data": {"odrread": 99.9, "odrdate": "01/15/2024 14:00:00"}}`), nil
		default:
			t.Fatalf("unhandled request %s", req.URL)
			return nil, nil
		}
	}

	svc := newTestService(t, handler)
	app := &App{SMT: svc, Meter: &MeterIdentity{ESIID: "esi", MeterNumber: "m"}}

	reading, err := app.readMeter()
	require.NoError(t, err)
	require.Equal(t, 99.9, reading.Value)
	require.Equal(t, triggerAttempts, triggerCalls)
	require.Equal(t, 1, pollCalls)
}
