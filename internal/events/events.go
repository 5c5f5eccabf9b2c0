package events

import (
	"encoding/json"
	"time"
)

const (
	TypeRunStarted        = "run_started"
	TypeAttemptFinished   = "attempt_finished"
	TypeRunFinished       = "run_finished"
	TypeConfirmationFound = "confirmation_found"
	TypeConfigUpdated     = "config_updated"
)

// Version of the event envelope.
const Version = 1

type Event struct {
	Type      string          `json:"type"`
	Version   int             `json:"v"`
	At        time.Time       `json:"at"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func MakeEvent(reqID, typ string, v int, data any) string {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	e := Event{
		Type:      typ,
		Version:   v,
		At:        time.Now().UTC(),
		RequestID: reqID,
		Data:      raw,
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// TypeOf returns the type of an encoded event, or "message" if msg is not
// an envelope.
func TypeOf(msg string) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(msg), &head); err != nil || head.Type == "" {
		return "message"
	}
	return head.Type
}

// AttemptFinished is the payload of TypeAttemptFinished.
type AttemptFinished struct {
	RunID      string `json:"run_id"`
	AttemptID  string `json:"attempt_id"`
	Posting    string `json:"posting"`
	Company    string `json:"company"`
	Role       string `json:"role"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	RetryCount int    `json:"retry_count"`
}
