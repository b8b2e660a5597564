package models

import "time"

// ErrorRecord is an immutable entry in the error bus.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Context   string    `json:"context"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Fatal     bool      `json:"fatal,omitempty"`
}
