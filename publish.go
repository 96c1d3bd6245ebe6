package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/lib/pq"
)

const mqttConnectTimeout = 10 * time.Second

// Publisher fans one reading out to the configured sinks. Each sink is
// either absent or ready, decided once at startup; a failure in one sink
// never affects the other.
type Publisher struct {
	MQTT  mqtt.Client
	Topic string

	DB            *sql.DB
	MeterTable    string
	IntervalTable string

	IntervalEnabled bool
}

// NewPublisher wires up whichever sinks the configuration enables. A sink
// that fails to come up is logged and left absent; the poller still runs
// with the remaining sinks.
func NewPublisher(config *Config) *Publisher {
	p := &Publisher{
		Topic:           config.MQTTTopic,
		MeterTable:      config.MeterTable,
		IntervalTable:   config.IntervalTable,
		IntervalEnabled: config.IntervalEnabled,
	}

	if config.MQTTHost != "" {
		opts := mqtt.NewClientOptions().
			AddBroker(fmt.Sprintf("tcp://%s:%d", config.MQTTHost, config.MQTTPort)).
			SetClientID("smt-poller").
			SetAutoReconnect(true)
		opts.OnConnect = func(mqtt.Client) {
			slog.Info("connected to MQTT broker")
		}
		opts.OnConnectionLost = func(_ mqtt.Client, err error) {
			slog.Error("MQTT connection lost", "error", err)
		}

		client := mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(mqttConnectTimeout) {
			slog.Error("timed out connecting to MQTT broker", "host", config.MQTTHost)
		} else if err := token.Error(); err != nil {
			slog.Error("error connecting to MQTT broker", "error", err)
		} else {
			p.MQTT = client
		}
	} else {
		slog.Info("MQTT host is not set, telemetry sink disabled")
	}

	if config.DBURL != "" {
		db, err := sql.Open("postgres", config.DBURL)
		if err == nil {
			err = db.Ping()
		}
		if err == nil {
			err = createTables(db, config)
		}
		if err != nil {
			slog.Error("error setting up database sink", "error", err)
		} else {
			slog.Info("connected to database")
			p.DB = db
		}
	} else {
		slog.Info("database URL is not set, persistent sink disabled")
	}

	return p
}

func createTables(db *sql.DB, config *Config) error {
	_, err := db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id SERIAL PRIMARY KEY, date TIMESTAMP NOT NULL, value NUMERIC NOT NULL)`,
		pq.QuoteIdentifier(config.MeterTable)))
	if err != nil {
		return fmt.Errorf("failed to create meter table: %w", err)
	}

	if config.IntervalEnabled {
		_, err = db.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (id SERIAL PRIMARY KEY, usage_start_time TIMESTAMP NOT NULL, usage_end_time TIMESTAMP NOT NULL, usage_kwh NUMERIC NOT NULL, estimated_actual CHAR(1) NOT NULL, consumption_surplusgeneration VARCHAR NOT NULL)`,
			pq.QuoteIdentifier(config.IntervalTable)))
		if err != nil {
			return fmt.Errorf("failed to create interval table: %w", err)
		}
	}
	return nil
}

// Publish sends one reading to every configured sink. Sink failures are
// logged and swallowed so a broken sink cannot abort the scheduler tick.
func (p *Publisher) Publish(reading Reading) {
	if p.MQTT != nil {
		payload, err := json.Marshal(struct {
			Date  string  `json:"date"`
			Value float64 `json:"value"`
		}{
			Date:  reading.Timestamp.Format(time.RFC3339),
			Value: reading.Value,
		})
		if err != nil {
			slog.Error("failed to encode MQTT payload", "error", err)
		} else {
			// Fire and forget; paho queues and retries on reconnect.
			p.MQTT.Publish(p.Topic, 0, false, payload)
			slog.Info("meter reading published to MQTT broker", "topic", p.Topic)
		}
	}

	if p.DB != nil {
		_, err := p.DB.Exec(fmt.Sprintf(
			`INSERT INTO %s (date, value) VALUES ($1, $2)`,
			pq.QuoteIdentifier(p.MeterTable)),
			reading.Timestamp, reading.Value)
		if err != nil {
			slog.Error("failed to save meter reading to database", "error", err)
		} else {
			slog.Info("meter reading saved to database")
		}
	}
}

// SaveInterval writes one day's interval batch as a single transaction. The
// whole batch is skipped unless its newest usage_start_time is strictly
// newer than anything already stored, which makes resubmitting the same day
// a no-op.
func (p *Publisher) SaveInterval(rows []IntervalRow) error {
	if !p.IntervalEnabled || p.DB == nil {
		return nil
	}
	if len(rows) == 0 {
		slog.Info("no interval rows to save")
		return nil
	}

	batchMax := rows[0].UsageStart
	for _, r := range rows[1:] {
		if r.UsageStart.After(batchMax) {
			batchMax = r.UsageStart
		}
	}

	var watermark sql.NullTime
	err := p.DB.QueryRow(fmt.Sprintf(
		`SELECT MAX(usage_start_time) FROM %s`,
		pq.QuoteIdentifier(p.IntervalTable))).Scan(&watermark)
	if err != nil {
		return fmt.Errorf("failed to query interval watermark: %w", err)
	}
	if watermark.Valid && !batchMax.After(watermark.Time) {
		slog.Info("interval batch already stored, skipping",
			"batchMax", batchMax, "stored", watermark.Time)
		return nil
	}

	tx, err := p.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin interval transaction: %w", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(
		`INSERT INTO %s (usage_start_time, usage_end_time, usage_kwh, estimated_actual, consumption_surplusgeneration) VALUES ($1, $2, $3, $4, $5)`,
		pq.QuoteIdentifier(p.IntervalTable))
	for _, r := range rows {
		if _, err := tx.Exec(stmt, r.UsageStart, r.UsageEnd, r.UsageKWh, r.EstimatedActual, r.SurplusGeneration); err != nil {
			return fmt.Errorf("failed to insert interval row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit interval batch: %w", err)
	}

	slog.Info("interval batch saved to database", "rows", len(rows))
	return nil
}

// Close releases sink connections. Only called on process shutdown.
func (p *Publisher) Close() {
	if p.MQTT != nil {
		p.MQTT.Disconnect(250)
	}
	if p.DB != nil {
		p.DB.Close()
	}
}
