// Package idgen mints the time-ordered identifiers used for search cycles
// and activity rows.
package idgen

import "github.com/google/uuid"

const cyclePrefix = "cyc_"

// New returns a UUIDv7 string, or a random UUIDv4 if v7 generation fails.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Cycle returns an identifier for one agent search cycle. Cycle ids sort in
// start order.
func Cycle() string {
	return cyclePrefix + New()
}
