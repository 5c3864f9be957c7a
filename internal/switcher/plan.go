package switcher

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

var ErrEmptyPlan = errors.New("frequency plan is empty")

// FrequencyPlan is the ordered set of frequencies the bridge may use.
type FrequencyPlan struct {
	freqs []float64
}

func NewFrequencyPlan(freqs []float64) (FrequencyPlan, error) {
	if len(freqs) == 0 {
		return FrequencyPlan{}, ErrEmptyPlan
	}
	seen := make(map[float64]bool, len(freqs))
	out := make([]float64, 0, len(freqs))
	for _, f := range freqs {
		if f <= 0 {
			return FrequencyPlan{}, fmt.Errorf("invalid frequency %g MHz", f)
		}
		if seen[f] {
			return FrequencyPlan{}, fmt.Errorf("duplicate frequency %g MHz", f)
		}
		seen[f] = true
		out = append(out, f)
	}
	return FrequencyPlan{freqs: out}, nil
}

func (p FrequencyPlan) Frequencies() []float64 {
	return append([]float64(nil), p.freqs...)
}

func (p FrequencyPlan) Contains(mhz float64) bool {
	for _, f := range p.freqs {
		if f == mhz {
			return true
		}
	}
	return false
}

func (p FrequencyPlan) String() string {
	parts := make([]string, len(p.freqs))
	for i, f := range p.freqs {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// SelectFrequency picks uniformly among the plan's frequencies other than
// current. No spectral analysis is done. When current is the only frequency
// in the plan it is returned unchanged. A nil rnd uses the shared source.
//
// A zero FrequencyPlan has nothing to offer: current is returned, or 0 when
// current is nil. Build plans with NewFrequencyPlan.
func SelectFrequency(current *float64, plan FrequencyPlan, rnd *rand.Rand) float64 {
	if len(plan.freqs) == 0 {
		if current != nil {
			return *current
		}
		return 0
	}
	candidates := make([]float64, 0, len(plan.freqs))
	for _, f := range plan.freqs {
		if current != nil && f == *current {
			continue
		}
		candidates = append(candidates, f)
	}
	if len(candidates) == 0 {
		return plan.freqs[0]
	}

	var i int
	if rnd != nil {
		i = rnd.Intn(len(candidates))
	} else {
		i = rand.Intn(len(candidates))
	}
	return candidates[i]
}
