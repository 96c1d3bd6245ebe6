// app.go
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config contains configuration for the application.
type Config struct {
	Username        string
	Password        string
	MQTTHost        string
	MQTTPort        int
	MQTTTopic       string
	DBURL           string
	MeterTable      string
	IntervalTable   string
	IntervalEnabled bool
	LogLevel        string
}

// App manages application dependencies and logic.
type App struct {
	Config    *Config
	SMT       *SMTService
	Meter     *MeterIdentity
	Publisher *Publisher

	sleep func(time.Duration)
}

// NewApp authenticates against the provider, bootstraps the meter identity
// and wires up the publisher. An error here is fatal: without a first
// credential and a meter there is nothing to poll.
func NewApp(config *Config) (*App, error) {
	rt := &LoggingRoundTripper{UnderlyingTransport: http.DefaultTransport}

	smt, err := NewSMTService(rt, config.Username, config.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to log in to Smart Meter Texas: %w", err)
	}

	meter, err := smt.FetchMeterIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch meter details: %w", err)
	}
	slog.Info("using meter", "esiid", meter.ESIID, "meterNumber", meter.MeterNumber)

	return &App{
		Config:    config,
		SMT:       smt,
		Meter:     meter,
		Publisher: NewPublisher(config),
		sleep:     time.Sleep,
	}, nil
}

// Run drives the hourly polling loop. It only returns when the process is
// terminated externally; every per-tick failure is logged and the loop
// continues.
func (app *App) Run() {
	slog.Info("starting the polling loop")

	for {
		now := time.Now()
		if now.Minute() == 0 {
			app.tick(now)
			app.sleep(postTickPause)
			continue
		}

		app.sleep(clockPollInterval)
		if delay, ok := nextHourDelay(time.Now()); ok {
			slog.Info("sleeping until shortly before the hour",
				"wake", time.Now().Add(delay).Format(time.RFC3339))
			app.sleep(delay)
		}
	}
}

// tick performs the on-hour work: trigger, poll, publish, and on even hours
// the previous day's interval series.
func (app *App) tick(now time.Time) {
	reading, err := app.readMeter()
	if err != nil {
		slog.Error("failed to read meter", "error", err)
	} else {
		app.Publisher.Publish(*reading)
	}

	if app.Config.IntervalEnabled && now.Hour()%2 == 0 {
		rows, err := app.SMT.FetchInterval(app.Meter, now.AddDate(0, 0, -1))
		if err != nil {
			slog.Error("failed to read interval data", "error", err)
		} else if err := app.Publisher.SaveInterval(rows); err != nil {
			slog.Error("failed to save interval data", "error", err)
		}
	}
}

// readMeter runs the trigger/poll pipeline. A trigger that exhausts its
// retry budget is logged but does not stop the poll: the read may still
// complete server-side despite the failed confirmations.
func (app *App) readMeter() (*Reading, error) {
	if err := app.SMT.TriggerRead(app.Meter); err != nil {
		slog.Warn("on-demand read not confirmed, polling anyway", "error", err)
	}
	return app.SMT.PollRead(app.Meter)
}
