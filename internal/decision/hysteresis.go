package decision

// FailoverThreshold is the number of consecutive degraded observations that
// triggers a failover.
const FailoverThreshold = 3

// Hysteresis counts consecutive degraded observations. It lives in memory
// only; a restart starts again from zero.
type Hysteresis struct {
	count int
}

// Record feeds one observation and returns the resulting count.
func (h *Hysteresis) Record(degraded bool) int {
	if degraded {
		h.count++
	} else {
		h.count = 0
	}
	return h.count
}

func (h *Hysteresis) Count() int { return h.count }

// Reached uses >= so a skipped cycle can never step over the threshold.
func (h *Hysteresis) Reached() bool { return h.count >= FailoverThreshold }

func (h *Hysteresis) Reset() { h.count = 0 }
