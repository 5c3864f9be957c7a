package monitor

import (
	"time"

	"github.com/google/uuid"

	"github.com/bilal/freqswitch-agent/internal/communicator"
	"github.com/bilal/freqswitch-agent/internal/device"
	"github.com/bilal/freqswitch-agent/internal/switcher"
)

func (m *Monitor) cycleEvent(r CycleReport, at time.Time, reasons []string) communicator.Event {
	e := communicator.Event{
		ID:                  uuid.New().String(),
		Kind:                communicator.KindCycle,
		Agent:               m.agent,
		Timestamp:           at,
		Master:              communicator.NewReading(m.master.Address, r.Master, r.MasterErr),
		Slave:               communicator.NewReading(m.slave.Address, r.Slave, r.SlaveErr),
		Degraded:            r.Verdict.Degraded,
		Reasons:             reasons,
		ConsecutiveFailures: r.ConsecutiveFailures,
	}
	if r.MasterErr != nil {
		e.Error = r.MasterErr.Error()
	}
	return e
}

func (m *Monitor) failoverEvent(res switcher.Result, at time.Time, forced bool) communicator.Event {
	e := communicator.Event{
		ID:                   uuid.New().String(),
		Kind:                 communicator.KindFailover,
		Agent:                m.agent,
		Timestamp:            at,
		AttemptID:            res.AttemptID,
		TargetMHz:            device.Float(res.TargetMHz),
		ObservedMHz:          res.ObservedMHz,
		Outcome:              string(res.Outcome),
		FailureReason:        string(res.Reason),
		RollbackAttempted:    res.RollbackAttempted,
		RollbackSucceeded:    res.RollbackSucceeded,
		RollbackFrequencyMHz: res.RollbackFrequencyMHz,
		Forced:               forced,
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}
