package communicator

import (
	"time"

	"github.com/bilal/freqswitch-agent/internal/device"
)

type EventKind string

const (
	KindCycle    EventKind = "cycle"
	KindFailover EventKind = "failover"
)

// Reading is one radio's side of an event.
type Reading struct {
	Address string             `json:"address"`
	Status  *device.LinkStatus `json:"status,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func NewReading(address string, s device.LinkStatus, err error) *Reading {
	r := &Reading{Address: address}
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Status = &s
	return r
}

// Event is the JSON payload published for every cycle and failover attempt.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`

	Master *Reading `json:"master,omitempty"`
	Slave  *Reading `json:"slave,omitempty"`

	Degraded            bool     `json:"degraded"`
	Reasons             []string `json:"reasons,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`

	// failover only
	AttemptID            string   `json:"attempt_id,omitempty"`
	TargetMHz            *float64 `json:"target_mhz,omitempty"`
	ObservedMHz          *float64 `json:"observed_mhz,omitempty"`
	Outcome              string   `json:"outcome,omitempty"`
	FailureReason        string   `json:"failure_reason,omitempty"`
	RollbackAttempted    bool     `json:"rollback_attempted,omitempty"`
	RollbackSucceeded    bool     `json:"rollback_succeeded,omitempty"`
	RollbackFrequencyMHz *float64 `json:"rollback_frequency_mhz,omitempty"`
	Forced               bool     `json:"forced,omitempty"`

	Error string `json:"error,omitempty"`
}
