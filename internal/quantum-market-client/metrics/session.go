package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/web3"
)

const namespace = "quantum_market"

var states = []web3.ConnectionState{web3.Disconnected, web3.Connecting, web3.Connected, web3.Failed}

// SessionCollector mirrors published session snapshots into prometheus
// series. It only reads snapshots; it never drives the session.
type SessionCollector struct {
	state       *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	block       prometheus.Gauge
	network     prometheus.Gauge
	supported   prometheus.Gauge

	mu   sync.Mutex
	last *web3.ConnectionState
}

func NewSessionCollector(reg prometheus.Registerer) (*SessionCollector, error) {
	c := &SessionCollector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current wallet session connection state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		block: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "block_number",
			Help:      "Last block number read for the connected network.",
		}),
		network: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "network_id",
			Help:      "Network id of the connected wallet, 0 when disconnected.",
		}),
		supported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "network_supported",
			Help:      "1 when the connected network is in the supported chain list.",
		}),
	}

	for _, col := range []prometheus.Collector{c.state, c.transitions, c.block, c.network, c.supported} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *SessionCollector) Observe(s web3.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last == nil || *c.last != s.State {
		if c.last != nil {
			c.transitions.WithLabelValues(s.State.String()).Inc()
		}
		st := s.State
		c.last = &st
		for _, known := range states {
			v := 0.0
			if known == s.State {
				v = 1
			}
			c.state.WithLabelValues(known.String()).Set(v)
		}
	}

	c.block.Set(float64(s.BlockNumber))
	c.network.Set(float64(s.NetworkID))
	if s.Supported {
		c.supported.Set(1)
	} else {
		c.supported.Set(0)
	}
}

// Run observes snaps until the channel closes or ctx ends.
func (c *SessionCollector) Run(ctx context.Context, snaps <-chan web3.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-snaps:
			if !ok {
				return
			}
			c.Observe(s)
		}
	}
}
