// Package connectivity reports whether the remote store is reachable.
package connectivity

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/nutrilog/backend/internal/metrics"
)

// Monitor exposes a boolean reachability signal. It is polled, not pushed.
type Monitor interface {
	IsConnected() bool
}

// Flag is a Monitor whose state is set explicitly, by tests or by a
// platform callback.
type Flag struct {
	online atomic.Bool
}

// NewFlag returns a Flag in the given state.
func NewFlag(online bool) *Flag {
	f := &Flag{}
	f.Set(online)
	return f
}

func (f *Flag) IsConnected() bool {
	return f.online.Load()
}

func (f *Flag) Set(online bool) {
	f.online.Store(online)
	metrics.SetOnline(online)
}

// DialProbe reports online when a TCP connection to Addr succeeds. Results
// are cached for Interval so the 5 s loop and callers do not each dial.
type DialProbe struct {
	Addr     string
	Timeout  time.Duration
	Interval time.Duration

	mu      sync.Mutex
	checked time.Time
	last    bool
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	now     func() time.Time
}

// NewDialProbe builds a probe for addr.
func NewDialProbe(addr string, timeout time.Duration) *DialProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := &net.Dialer{}
	return &DialProbe{
		Addr:     addr,
		Timeout:  timeout,
		Interval: time.Second,
		dial:     d.DialContext,
		now:      time.Now,
	}
}

func (p *DialProbe) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.checked.IsZero() && now.Sub(p.checked) < p.Interval {
		return p.last
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.Addr)
	online := err == nil
	if conn != nil {
		conn.Close()
	}

	p.checked = now
	p.last = online
	metrics.SetOnline(online)
	return online
}
