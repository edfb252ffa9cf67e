package model

import "time"

// ControlCommand is one requested settable-attribute update, captured for
// processing in the next recompute batch.
type ControlCommand struct {
	Element   string    `json:"element"`
	Attribute string    `json:"attribute"`
	Value     float64   `json:"value"`
	Origin    string    `json:"origin"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// AckStatus enumerates the terminal outcomes of a submitted command.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
	AckCanceled AckStatus = "canceled"
	AckTimeout  AckStatus = "timeout"
)

// Ack is the single acknowledgment produced for each command, correlated
// by the command's token.
type Ack struct {
	Token   string       `json:"token"`
	Status  AckStatus    `json:"status"`
	Reason  RejectReason `json:"reason,omitempty"`
	Detail  string       `json:"detail,omitempty"`
	Version uint64       `json:"version,omitempty"`
}
