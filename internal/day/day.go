// Package day resolves a client clock offset into canonical calendar-day keys.
package day

import "time"

// DateFormat is the canonical calendar-day key used for idempotency and
// streak continuity checks.
const DateFormat = "2006-01-02"

// Boundary holds the canonical day keys for one verification attempt. It is
// resolved exactly once per attempt so the idempotency check and the ledger
// write can never disagree about which day it is.
type Boundary struct {
	Today     string
	Yesterday string
}

// Resolve computes the canonical day keys for the given instant, adjusted by
// the client-reported timezone offset in minutes. The sign convention follows
// JavaScript's Date.getTimezoneOffset: positive means the client is behind
// UTC. An offset of 0 means UTC.
func Resolve(now time.Time, offsetMinutes int) Boundary {
	local := now.UTC().Add(-time.Duration(offsetMinutes) * time.Minute)
	return Boundary{
		Today:     local.Format(DateFormat),
		Yesterday: local.AddDate(0, 0, -1).Format(DateFormat),
	}
}
