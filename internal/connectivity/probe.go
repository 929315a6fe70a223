package connectivity

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Prober produces a reading of the network path.
type Prober interface {
	Probe(ctx context.Context) (Reading, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (Reading, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (Reading, error) {
	return f(ctx)
}

// DialProber considers the network reachable when a TCP connection to Address
// can be established within Timeout.
type DialProber struct {
	Address string
	Timeout time.Duration

	// Type is reported for successful probes. Defaults to unknown.
	Type ConnectionType
}

// Probe dials Address.
func (p DialProber) Probe(ctx context.Context) (Reading, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return Reading{Reachable: false}, err
	}
	_ = conn.Close()

	typ := p.Type
	if typ == "" {
		typ = ConnectionUnknown
	}
	return Reading{Reachable: true, Type: typ}, nil
}

// probeSafely never fails: errors and panics read as Offline.
func probeSafely(ctx context.Context, p Prober) (r Reading) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("connectivity probe panicked", "panic", rec)
			r = Reading{Reachable: false}
		}
	}()

	if p == nil {
		return Reading{Reachable: false}
	}
	reading, err := p.Probe(ctx)
	if err != nil {
		slog.Debug("connectivity probe failed", "error", err)
		return Reading{Reachable: false}
	}
	return reading
}
