package monitor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-ping/ping"

	"github.com/bilal/freqswitch-agent/internal/config"
)

// ProbeResult summarizes an ICMP reachability check of one radio.
type ProbeResult struct {
	Reachable  bool
	AvgRtt     time.Duration
	PacketLoss float64
	JitterMs   float64
}

// Prober tells an unreachable radio apart from one whose web interface
// misbehaves.
type Prober interface {
	Probe(ctx context.Context, address string) (ProbeResult, error)
}

type ICMPProber struct {
	count      int
	timeout    time.Duration
	privileged bool
}

func NewICMPProber(cfg config.ProbeConfig) *ICMPProber {
	count := cfg.Count
	if count <= 0 {
		count = 3
	}
	return &ICMPProber{
		count:      count,
		timeout:    time.Duration(count+2) * time.Second,
		privileged: cfg.Privileged,
	}
}

func (p *ICMPProber) Probe(ctx context.Context, address string) (ProbeResult, error) {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}

	pinger, err := ping.NewPinger(host)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("create pinger: %w", err)
	}
	pinger.Count = p.count
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)

	var previousRTT time.Duration
	var jitterTotal float64
	var jitterCount int

	pinger.OnRecv = func(pkt *ping.Packet) {
		if previousRTT != 0 {
			diff := pkt.Rtt - previousRTT
			if diff < 0 {
				diff = -diff
			}
			jitterTotal += float64(diff.Microseconds()) / 1000
			jitterCount++
		}
		previousRTT = pkt.Rtt
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-finished:
		}
	}()

	if err := pinger.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("ping %s: %w", host, err)
	}

	stats := pinger.Statistics()
	res := ProbeResult{
		Reachable:  stats.PacketsRecv > 0,
		AvgRtt:     stats.AvgRtt,
		PacketLoss: stats.PacketLoss,
	}
	if jitterCount > 0 {
		res.JitterMs = jitterTotal / float64(jitterCount)
	}
	return res, nil
}
