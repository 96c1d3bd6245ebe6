package main

import "time"

// Reading is a single completed on-demand meter read. The timestamp is in
// the provider's local zone (America/Chicago).
type Reading struct {
	Timestamp time.Time
	Value     float64
}

// MeterIdentity identifies the account's meter. Fetched once at startup and
// read-only afterwards.
type MeterIdentity struct {
	ESIID       string
	MeterNumber string
}

// IntervalRow is one 15-minute slot of historical usage data.
type IntervalRow struct {
	UsageStart        time.Time
	UsageEnd          time.Time
	UsageKWh          float64
	EstimatedActual   string // "A" actual, "E" estimated
	SurplusGeneration string
}
