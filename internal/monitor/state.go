package monitor

import (
	"time"

	"github.com/bilal/freqswitch-agent/internal/decision"
	"github.com/bilal/freqswitch-agent/internal/device"
	"github.com/bilal/freqswitch-agent/internal/switcher"
)

// State is the published copy of the loop's state.
type State struct {
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	LastKnownFrequencyMHz *float64   `json:"last_known_frequency_mhz,omitempty"`
	LastCycle             time.Time  `json:"last_cycle,omitempty"`
	LastVerdict           string     `json:"last_verdict,omitempty"`
	Plan                  []float64  `json:"frequency_plan"`
	LastFailover          *Failover  `json:"last_failover,omitempty"`
	Cycles                int64      `json:"cycles"`
	Master                *LinkState `json:"master,omitempty"`
	Slave                 *LinkState `json:"slave,omitempty"`
}

type LinkState struct {
	Address string             `json:"address"`
	Status  *device.LinkStatus `json:"status,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func newLinkState(address string, s device.LinkStatus, err error) *LinkState {
	ls := &LinkState{Address: address}
	if err != nil {
		ls.Error = err.Error()
		return ls
	}
	ls.Status = &s
	return ls
}

// Failover summarizes the most recent failover attempt.
type Failover struct {
	AttemptID   string    `json:"attempt_id"`
	At          time.Time `json:"at"`
	TargetMHz   float64   `json:"target_mhz"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	RolledBack  bool      `json:"rolled_back,omitempty"`
	Forced      bool      `json:"forced,omitempty"`
	Transitions []string  `json:"transitions"`
}

func newFailover(res switcher.Result, at time.Time, forced bool) *Failover {
	f := &Failover{
		AttemptID:  res.AttemptID,
		At:         at,
		TargetMHz:  res.TargetMHz,
		Outcome:    string(res.Outcome),
		Reason:     string(res.Reason),
		RolledBack: res.RollbackSucceeded,
		Forced:     forced,
	}
	for _, s := range res.Transitions {
		f.Transitions = append(f.Transitions, string(s))
	}
	return f
}

// CycleReport is what one RunCycle observed and did.
type CycleReport struct {
	Master    device.LinkStatus
	MasterErr error
	Slave     device.LinkStatus
	SlaveErr  error

	Verdict             decision.Verdict
	ConsecutiveFailures int
	Probe               *ProbeResult

	// set when the cycle attempted a failover
	Failover *switcher.Result
}

// NoData reports whether the master could not be read this cycle.
func (r CycleReport) NoData() bool {
	return r.MasterErr != nil || !r.Master.HasReading()
}

// Snapshot is a one-shot reading of both radios; it leaves the loop state
// untouched.
type Snapshot struct {
	Master    device.LinkStatus
	MasterErr error
	Slave     device.LinkStatus
	SlaveErr  error
	Verdict   decision.Verdict
	State     State
}
