package config

import "time"

const (
	// Matchmaking
	WildcardCategory = "any"
	MatchWaitCeiling = 2 * time.Minute
	QueueSweepPeriod = 5 * time.Second

	// Media negotiation
	NegotiationCeiling = 30 * time.Second

	// Signaling channel reconnect policy: delay grows linearly as
	// attempt*ReconnectBaseDelay up to ReconnectMaxAttempts.
	ReconnectBaseDelay   = 500 * time.Millisecond
	ReconnectMaxAttempts = 5
	RequestTimeout       = 10 * time.Second

	// Chat
	TypingIdleWindow = 4 * time.Second
	HistoryPageSize  = 50

	// Auth
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 72 * time.Hour

	// Rating
	InitialRating          = 1000
	ConfirmedReportPenalty = 50
)

// Rate limiting: sliding counter per client address + endpoint.
const (
	RateLimitWindow = time.Minute
)

var RateLimitBudgets = map[string]int{
	"/auth/anon":    10,
	"/auth/refresh": 30,
	"/ws":           20,
}
