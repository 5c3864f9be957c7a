package decision

import (
	"strings"

	"github.com/bilal/freqswitch-agent/internal/device"
)

type Reason string

const (
	ReasonSignal     Reason = "signal"
	ReasonCCQ        Reason = "ccq"
	ReasonTxCapacity Reason = "tx_capacity"
	ReasonNoData     Reason = "no_data"
)

// Thresholds are the quality floors of a healthy link.
type Thresholds struct {
	SignalFloorDBm         float64
	CCQFloorPercent        float64
	TxCapacityFloorPercent float64
}

type Verdict struct {
	Degraded bool
	Reasons  []Reason
}

func (v Verdict) String() string {
	if !v.Degraded {
		return "healthy"
	}
	parts := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		parts[i] = string(r)
	}
	return "degraded(" + strings.Join(parts, ",") + ")"
}

// Evaluate checks every present reading against its floor. Reasons keep the
// order signal, ccq, tx_capacity. Absent readings never contribute.
func Evaluate(s device.LinkStatus, th Thresholds) Verdict {
	var v Verdict

	if s.SignalDBm != nil && *s.SignalDBm < th.SignalFloorDBm {
		v.Reasons = append(v.Reasons, ReasonSignal)
	}
	if s.CCQPercent != nil && *s.CCQPercent < th.CCQFloorPercent {
		v.Reasons = append(v.Reasons, ReasonCCQ)
	}
	if s.TxCapacityPercent != nil && *s.TxCapacityPercent < th.TxCapacityFloorPercent {
		v.Reasons = append(v.Reasons, ReasonTxCapacity)
	}

	v.Degraded = len(v.Reasons) > 0
	return v
}

// NoDataVerdict is what the caller records when the status is unobtainable.
func NoDataVerdict() Verdict {
	return Verdict{Degraded: true, Reasons: []Reason{ReasonNoData}}
}
