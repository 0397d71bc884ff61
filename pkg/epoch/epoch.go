// Package epoch converts between Filecoin chain epochs and wall-clock
// time (§2: "timestamp_ms = genesis_ms + epoch × 30_000", exactly 30
// seconds per epoch).
package epoch

import "time"

// DurationMs is the fixed duration of one Filecoin epoch.
const DurationMs = 30_000

// ToTime converts a chain epoch to the time it began, given the chain's
// genesis timestamp in milliseconds.
func ToTime(genesisMs, epoch int64) time.Time {
	return time.UnixMilli(genesisMs + epoch*DurationMs)
}
