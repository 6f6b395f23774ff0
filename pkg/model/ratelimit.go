package model

import "time"

// RateLimitState is the token bucket of one identity. AvailableTokens
// stays within [0, capacity]. The limiter mutates it only while holding
// the identity's lock.
type RateLimitState struct {
	Identity        Identity  `json:"identity"`
	AvailableTokens float64   `json:"available_tokens"`
	LastRefillAt    time.Time `json:"last_refill_at"`
}
