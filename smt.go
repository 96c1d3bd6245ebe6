package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

const (
	smtBaseURL    = "https://www.smartmetertexas.com"
	authPath      = "/commonapi/user/authenticate"
	dashboardPath = "/api/dashboard"
	triggerPath   = "/api/ondemandread"
	latestPath    = "/api/usage/latestodrread"
	intervalPath  = "/api/usage/interval"

	homeReferer      = smtBaseURL + "/home"
	dashboardReferer = smtBaseURL + "/dashboard/"
)

const (
	triggerAttempts   = 5
	triggerRetryDelay = 10 * time.Second
	pollAttempts      = 270 // ~45 minutes at the 10 second cadence
	pollDelay         = 10 * time.Second

	// Date-time format used by the latest-read endpoint.
	odrDateLayout = "01/02/2006 15:04:05"
	// Date format used by the interval endpoint's query body.
	intervalDateLayout = "01/02/2006"
)

// Exact statusReason phrases that end the trigger phase successfully. The
// second means a read is already in flight, so polling should proceed.
const (
	triggerSubmittedPhrase = "Request submitted successfully for further processing"
	triggerLimitPhrase     = "You have reached the limit of two On Demand Read request for this ESIID per hour, you may try again after one hour"
)

// ErrReadTimeout is returned by PollRead when no reading became available
// within the attempt budget.
var ErrReadTimeout = errors.New("timed out waiting for the meter read")

// errAuthFailure marks a failure the retry loops must not absorb: either a
// 401 that survived a refresh or a refresh that itself failed. Both mean
// the credentials are bad, not that the token expired.
var errAuthFailure = errors.New("authentication failure")

// SMTService handles interactions with the Smart Meter Texas API. It owns
// the bearer token and replaces it when the server rejects it.
type SMTService struct {
	Client *http.Client

	user     string
	password string
	token    string

	location *time.Location
	sleep    func(time.Duration)
}

// NewSMTService creates a new SMTService and performs the first
// authentication. An error here means the credentials are unusable and the
// caller should not proceed.
func NewSMTService(tr http.RoundTripper, user, password string) (*SMTService, error) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return nil, fmt.Errorf("failed to load meter time zone: %w", err)
	}

	s := &SMTService{
		Client:   &http.Client{Transport: tr},
		user:     user,
		password: password,
		location: loc,
		sleep:    time.Sleep,
	}

	if err := s.authenticate(); err != nil {
		return nil, err
	}
	return s, nil
}

// newRequest builds a request with the browser-mimicking headers the
// provider expects on every call.
func (s *SMTService) newRequest(path, referer string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(http.MethodPost, smtBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Origin", smtBaseURL)
	req.Header.Set("Referer", referer)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	return req, nil
}

// authenticate mints a fresh bearer token, replacing any previous one.
func (s *SMTService) authenticate() error {
	slog.Info("getting auth token")

	req, err := s.newRequest(authPath, homeReferer, map[string]string{
		"username":   s.user,
		"password":   s.password,
		"rememberMe": "true",
	})
	if err != nil {
		return fmt.Errorf("failed to build authentication request: %w", err)
	}
	req.Header.Set("x-amzn-trace-id", fmt.Sprintf("Service=Authenticate,Request-ID=%s", s.user))

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call authentication endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read authentication response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authentication failed: HTTP %d %s", resp.StatusCode, body)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("failed to decode authentication response: %w", err)
	}
	if payload.Token == "" {
		return fmt.Errorf("authentication response carried no token")
	}

	s.token = payload.Token
	slog.Info("successfully authenticated")
	return nil
}

// send issues one bearer-authenticated call and returns the status code and
// the full response body.
func (s *SMTService) send(path, referer string, body any) (int, []byte, error) {
	req, err := s.newRequest(path, referer, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// authedRequest issues a bearer-authenticated call. On a 401 it refreshes
// the token exactly once and re-sends exactly once; a second 401 means the
// credentials themselves are bad and is returned as an error rather than
// looping on refresh.
func (s *SMTService) authedRequest(path string, body any) (int, []byte, error) {
	status, data, err := s.send(path, dashboardReferer, body)
	if err != nil {
		return status, data, err
	}
	if status != http.StatusUnauthorized {
		return status, data, nil
	}

	slog.Warn("auth token expired, refreshing")
	if err := s.authenticate(); err != nil {
		return status, data, fmt.Errorf("%w: token refresh: %v", errAuthFailure, err)
	}

	status, data, err = s.send(path, dashboardReferer, body)
	if err != nil {
		return status, data, err
	}
	if status == http.StatusUnauthorized {
		return status, data, errAuthFailure
	}
	return status, data, nil
}

// FetchMeterIdentity retrieves the ESI ID and meter number from the
// dashboard endpoint.
func (s *SMTService) FetchMeterIdentity() (*MeterIdentity, error) {
	slog.Info("getting ESI ID and meter number")

	status, body, err := s.authedRequest(dashboardPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call dashboard endpoint: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to get meter details: HTTP %d %s", status, body)
	}

	var payload struct {
		Data struct {
			DefaultMeterDetails struct {
				ESIID       string `json:"esiid"`
				MeterNumber string `json:"meterNumber"`
			} `json:"defaultMeterDetails"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode dashboard response: %w", err)
	}

	d := payload.Data.DefaultMeterDetails
	if d.ESIID == "" || d.MeterNumber == "" {
		return nil, fmt.Errorf("dashboard response carried no meter details: %s", body)
	}

	return &MeterIdentity{ESIID: d.ESIID, MeterNumber: d.MeterNumber}, nil
}

// TriggerRead asks the provider to schedule an on-demand read. It retries
// up to triggerAttempts times with a fixed delay and returns nil as soon as
// the provider confirms the request (or reports one already in flight).
// A non-nil error after the budget is exhausted does not mean the read will
// not happen; callers are expected to poll regardless.
func (s *SMTService) TriggerRead(meter *MeterIdentity) error {
	// The provider's backend misbehaves unless a dashboard call precedes
	// the trigger, mimicking browser navigation.
	if _, _, err := s.authedRequest(dashboardPath, nil); err != nil {
		slog.Warn("dashboard warm-up call failed", "error", err)
	}

	body := map[string]string{
		"ESIID":       meter.ESIID,
		"MeterNumber": meter.MeterNumber,
	}

	for attempt := 1; attempt <= triggerAttempts; attempt++ {
		if attempt > 1 {
			s.sleep(triggerRetryDelay)
		}

		slog.Info("requesting on-demand meter read", "attempt", attempt)
		status, data, err := s.authedRequest(triggerPath, body)
		if err != nil {
			if errors.Is(err, errAuthFailure) {
				return err
			}
			slog.Warn("failed to trigger on-demand read, retrying", "error", err)
			continue
		}
		if status != http.StatusOK {
			slog.Warn("failed to trigger on-demand read, retrying", "status", status, "body", string(data))
			continue
		}

		var payload struct {
			Data struct {
				StatusReason string `json:"statusReason"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Warn("failed to decode trigger response, retrying", "body", string(data))
			continue
		}

		switch payload.Data.StatusReason {
		case triggerSubmittedPhrase:
			slog.Info("on-demand read successfully triggered")
			return nil
		case triggerLimitPhrase:
			slog.Info("on-demand read already submitted")
			return nil
		default:
			slog.Warn("unexpected trigger status, retrying", "statusReason", payload.Data.StatusReason)
		}
	}

	return fmt.Errorf("on-demand read not confirmed after %d attempts", triggerAttempts)
}

// PollRead polls the latest-read endpoint until a reading is available. The
// provider returns odrread 0 while the read is still being computed, so a
// zero value is never treated as a completed reading. The attempt budget
// bounds worst-case latency at roughly 45 minutes.
func (s *SMTService) PollRead(meter *MeterIdentity) (*Reading, error) {
	slog.Info("polling for latest read data")

	body := map[string]string{"ESIID": meter.ESIID}

	for attempt := 1; attempt <= pollAttempts; attempt++ {
		s.sleep(pollDelay)

		status, data, err := s.authedRequest(latestPath, body)
		if err != nil {
			if errors.Is(err, errAuthFailure) {
				return nil, err
			}
			slog.Warn("latest-read call failed, retrying", "error", err)
			continue
		}
		if status != http.StatusOK {
			slog.Warn("latest-read call failed, retrying", "status", status)
			continue
		}

		var payload struct {
			Data struct {
				ODRRead float64 `json:"odrread"`
				ODRDate string  `json:"odrdate"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			slog.Warn("failed to decode latest-read response, retrying", "body", string(data))
			continue
		}
		if payload.Data.ODRRead == 0 {
			slog.Debug("read not ready yet", "attempt", attempt)
			continue
		}

		ts, err := time.ParseInLocation(odrDateLayout, payload.Data.ODRDate, s.location)
		if err != nil {
			slog.Warn("failed to parse read date, retrying", "odrdate", payload.Data.ODRDate)
			continue
		}

		slog.Info("meter read received", "date", ts, "value", payload.Data.ODRRead)
		return &Reading{Timestamp: ts, Value: payload.Data.ODRRead}, nil
	}

	return nil, ErrReadTimeout
}

// FetchInterval retrieves the 15-minute interval series for one calendar
// day, normalized to the meter's local zone and ordered by start time.
func (s *SMTService) FetchInterval(meter *MeterIdentity, day time.Time) ([]IntervalRow, error) {
	date := day.In(s.location).Format(intervalDateLayout)
	slog.Info("fetching interval data", "date", date)

	status, data, err := s.authedRequest(intervalPath, map[string]string{
		"ESIID":     meter.ESIID,
		"startDate": date,
		"endDate":   date,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call interval endpoint: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch interval data: HTTP %d %s", status, data)
	}

	var payload struct {
		Data []struct {
			UsageStart        string  `json:"USAGE_START_TIME"`
			UsageEnd          string  `json:"USAGE_END_TIME"`
			UsageKWh          float64 `json:"USAGE_KWH"`
			EstimatedActual   string  `json:"ESTIMATED_ACTUAL"`
			SurplusGeneration string  `json:"CONSUMPTION_SURPLUSGENERATION"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode interval response: %w", err)
	}

	rows := make([]IntervalRow, 0, len(payload.Data))
	for _, r := range payload.Data {
		start, err := time.Parse(time.RFC3339, r.UsageStart)
		if err != nil {
			return nil, fmt.Errorf("failed to parse interval start time %q: %w", r.UsageStart, err)
		}
		end, err := time.Parse(time.RFC3339, r.UsageEnd)
		if err != nil {
			return nil, fmt.Errorf("failed to parse interval end time %q: %w", r.UsageEnd, err)
		}
		rows = append(rows, IntervalRow{
			UsageStart:        start.In(s.location),
			UsageEnd:          end.In(s.location),
			UsageKWh:          r.UsageKWh,
			EstimatedActual:   r.EstimatedActual,
			SurplusGeneration: r.SurplusGeneration,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].UsageStart.Before(rows[j].UsageStart)
	})

	slog.Info("fetched interval records", "count", len(rows))
	return rows, nil
}
