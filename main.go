package main

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
)

// envOrString returns the environment variable value if set, otherwise returns the default value.
func envOrString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func parseFlags() *Config {
	user := flag.String("user", envOrString("SMT_USER", ""), "Smart Meter Texas username")
	password := flag.String("password", envOrString("SMT_PASSWORD", ""), "Smart Meter Texas password")
	mqttHost := flag.String("mqttHost", envOrString("SMT_MQTT_HOST", ""), "MQTT broker host (empty to disable the telemetry sink)")
	mqttPort := flag.String("mqttPort", envOrString("SMT_MQTT_PORT", "1883"), "MQTT broker port")
	mqttTopic := flag.String("mqttTopic", envOrString("SMT_MQTT_TOPIC", "smt/meter"), "MQTT topic for meter readings")
	dbURL := flag.String("dbURL", envOrString("SMT_DB_URL", ""), "Postgres connection URL (empty to disable the persistent sink)")
	meterTable := flag.String("dbTable", envOrString("SMT_DB_TABLE", "smt_meter"), "Table for hourly meter readings")
	intervalTable := flag.String("intervalTable", envOrString("SMT_INTERVAL_TABLE", "smt_interval"), "Table for 15-minute interval data")
	intervalEnabled := flag.String("interval", envOrString("SMT_INTERVAL_ENABLED", "false"), "Enable the interval data pipeline")
	logLevel := flag.String("logLevel", envOrString("SMT_LOG_LEVEL", "INFO"), "Log level (DEBUG, INFO, WARNING, ERROR)")
	flag.Parse()

	if *user == "" || *password == "" {
		slog.Error("FATAL SMT_USER and SMT_PASSWORD must be set")
		os.Exit(1)
	}

	port, err := strconv.Atoi(*mqttPort)
	if err != nil {
		slog.Error("invalid MQTT port, defaulting to 1883", "port", *mqttPort)
		port = 1883
	}

	interval, err := strconv.ParseBool(*intervalEnabled)
	if err != nil {
		slog.Warn("invalid interval flag, defaulting to disabled", "value", *intervalEnabled)
		interval = false
	}

	return &Config{
		Username:        *user,
		Password:        *password,
		MQTTHost:        *mqttHost,
		MQTTPort:        port,
		MQTTTopic:       *mqttTopic,
		DBURL:           *dbURL,
		MeterTable:      *meterTable,
		IntervalTable:   *intervalTable,
		IntervalEnabled: interval,
		LogLevel:        *logLevel,
	}
}

// setupLogger installs the process-wide slog handler at the configured
// level, falling back to INFO with a warning when the level is unrecognized.
func setupLogger(level string) {
	levels := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"WARNING": slog.LevelWarn,
		"ERROR":   slog.LevelError,
	}

	l, ok := levels[level]
	if !ok {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))

	if !ok {
		slog.Warn("invalid log level, defaulting to INFO", "level", level)
	}
}

func main() {
	config := parseFlags()
	setupLogger(config.LogLevel)

	slog.Info("starting the SMT client")

	app, err := NewApp(config)
	if err != nil {
		slog.Error("application startup failed", "error", err)
		os.Exit(1)
	}
	defer app.Publisher.Close()

	app.Run()
}
