package config

import "time"

const (
	// Matchmaking
	MatchClaimAttempts    = 3
	WaitingCandidateBatch = 5

	// Teardown
	MessagePurgeBatchSize = 500
	// Counted from the moment the room closed.
	ClosedRoomGrace       = time.Minute
	SessionCloseTimeout   = 10 * time.Second

	// Delivery
	ClientSendBuffer = 64
	CommandQueueSize = 32
	FeedBuffer       = 16

	// SubscriptionResync is how often a subscription re-reads storage when no event arrives.
	SubscriptionResync = 15 * time.Second

	// PII warning lifetime on the client side.
	PIIWarningDuration = 4 * time.Second

	// Counselor
	CounselorTemperature     = 0.9
	CounselorTopK            = 40
	CounselorMaxOutputTokens = 1024
	CounselorExchangeTimeout = 30 * time.Second
)
