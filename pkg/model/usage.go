package model

import "time"

type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeProviderError Outcome = "provider_error"
)

// Validate checks if the outcome is valid
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeRateLimited, OutcomeProviderError:
		return nil
	default:
		return ErrInvalidOutcome
	}
}

// UsageEvent records one generation attempt. Events are append-only and
// never mutated after being recorded.
type UsageEvent struct {
	Identity       Identity
	ConversationID ConversationID
	Timestamp      time.Time
	TokensIn       int64
	TokensOut      int64
	LatencyMS      int64
	Outcome        Outcome
}

// UsageSummary aggregates the usage events of one identity over a time
// range. ErrorRate counts rate_limited and provider_error outcomes.
type UsageSummary struct {
	Count          int
	TotalTokensIn  int64
	TotalTokensOut int64
	AvgLatencyMS   float64
	ErrorRate      float64
}

// TimeRange selects events with From <= Timestamp < To. A zero bound
// leaves that side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (x TimeRange) Contains(t time.Time) bool {
	if !x.From.IsZero() && t.Before(x.From) {
		return false
	}
	if !x.To.IsZero() && !t.Before(x.To) {
		return false
	}
	return true
}
