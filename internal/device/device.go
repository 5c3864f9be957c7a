package device

import (
	"context"
	"fmt"
	"strings"
)

type Role string

const (
	Master Role = "master"
	Slave  Role = "slave"
)

type Credentials struct {
	Username string
	Password string
}

// Endpoint identifies one radio of the bridge.
type Endpoint struct {
	Role        Role
	Address     string
	Credentials Credentials
}

// LinkStatus is the normalized reading of one radio. Nil pointers mean the
// value could not be extracted; they are never equivalent to zero.
type LinkStatus struct {
	SignalDBm         *float64 `json:"signal_dbm,omitempty"`
	CCQPercent        *float64 `json:"ccq_pct,omitempty"`
	TxCapacityPercent *float64 `json:"tx_capacity_pct,omitempty"`
	FrequencyMHz      *float64 `json:"frequency_mhz,omitempty"`

	// informational only
	DeviceName      string   `json:"device_name,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	UptimeSeconds   *float64 `json:"uptime_s,omitempty"`
	NoiseFloorDBm   *float64 `json:"noise_floor_dbm,omitempty"`
	ChannelWidthMHz *float64 `json:"channel_width_mhz,omitempty"`
	TxPowerDBm      *float64 `json:"tx_power_dbm,omitempty"`
	Distance        *float64 `json:"distance_m,omitempty"`
}

// HasData reports whether at least one of the primary readings is present.
func (s LinkStatus) HasData() bool {
	return s.SignalDBm != nil || s.CCQPercent != nil || s.FrequencyMHz != nil
}

// HasReading reports whether the status carries anything the evaluator can
// judge, TX capacity included.
func (s LinkStatus) HasReading() bool {
	return s.HasData() || s.TxCapacityPercent != nil
}

func (s LinkStatus) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "signal=%s ccq=%s tx_capacity=%s frequency=%s",
		Format(s.SignalDBm, "dBm"), Format(s.CCQPercent, "%"),
		Format(s.TxCapacityPercent, "%"), Format(s.FrequencyMHz, "MHz"))
	return b.String()
}

// Adapter talks to a radio. Implementations hide the transport entirely.
type Adapter interface {
	Status(ctx context.Context, ep Endpoint) (LinkStatus, error)
	SetFrequency(ctx context.Context, ep Endpoint, mhz float64) error
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Format renders an optional reading, "unknown" when absent.
func Format(v *float64, unit string) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%g%s", *v, unit)
}
