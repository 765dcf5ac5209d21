package protocol

import "time"

// Transcript is one transcribed utterance produced by the STT stage. It is
// immutable once created; the queue copies it into a durable item.
type Transcript struct {
	Text             string    `json:"text"`
	Timestamp        time.Time `json:"timestamp"`
	SourceDurationMS int64     `json:"source_duration_ms"`
}

// DeliveryEvent is broadcast on the bus after every delivery attempt; Status
// carries the item's resulting queue state.
type DeliveryEvent struct {
	ItemID    string    `json:"item_id"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectivityEvent is broadcast on the bus on every online/offline edge.
type ConnectivityEvent struct {
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptCreated   = "murmur.transcript.created"
	SubjectDeliverySent        = "murmur.delivery.sent"
	SubjectConnectivityChanged = "murmur.connectivity.changed"
)
