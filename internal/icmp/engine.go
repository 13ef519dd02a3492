package icmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jamesbtate/ping-server/internal/wire"
)

var (
	// ErrTimeout is returned by PacketConn.ReadFrom when no packet arrived
	// within the timeout.
	ErrTimeout = errors.New("icmp: receive timed out")

	// ErrPermission indicates the process lacks the privilege to open a raw
	// socket. This is fatal at prober startup.
	ErrPermission = errors.New("icmp: raw socket requires CAP_NET_RAW or root")
)

// PacketConn is the raw socket surface the engine drives. The production
// implementation is a raw AF_INET/ICMP socket; tests substitute a fake.
type PacketConn interface {
	WriteTo(pkt []byte, dst net.IP) error
	ReadFrom(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// OutputSink receives one result batch per tick.
type OutputSink interface {
	Put(wire.Output)
}

type EngineConfig struct {
	// Destinations is the initial probe target list (IPv4 addresses or
	// resolvable names). May be empty; the collector pushes the real list.
	Destinations []string

	// Timeout is the per-tick reply window.
	Timeout time.Duration

	// Interval is the cadence period.
	Interval time.Duration

	// PacketSize is the echo payload size in bytes.
	PacketSize int

	// Output receives one batch per tick.
	Output OutputSink

	// Conn overrides the raw socket. If nil, Run opens one.
	Conn PacketConn

	// Clock overrides the wall clock.
	Clock clockwork.Clock
}

const (
	defaultTimeout    = 500 * time.Millisecond
	defaultInterval   = time.Second
	defaultPacketSize = 55
)

func (c *EngineConfig) Validate() error {
	if c.Output == nil {
		return errors.New("output sink is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.PacketSize <= 0 {
		c.PacketSize = defaultPacketSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine drives the echo request cadence: each tick it sends one request to
// every destination, collects replies until all have answered or the window
// closes, and emits the batch to the output sink.
type Engine struct {
	log   *slog.Logger
	cfg   *EngineConfig
	clock clockwork.Clock
	ownID uint16
	seq   uint16

	mu           sync.Mutex
	destinations []net.IP
}

func NewEngine(log *slog.Logger, cfg *EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		log:   log,
		cfg:   cfg,
		clock: cfg.Clock,
		ownID: uint16(os.Getpid() & 0xffff),
	}
	if err := e.SetDestinations(cfg.Destinations); err != nil {
		return nil, err
	}
	return e, nil
}

// SetDestinations resolves the given addresses and replaces the probe set.
// The change takes effect at the next tick boundary; a tick already in
// progress finishes with its prior set. Unresolvable entries are logged and
// skipped.
func (e *Engine) SetDestinations(addrs []string) error {
	resolved := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ip, err := net.ResolveIPAddr("ip4", addr)
		if err != nil {
			e.log.Error("unable to resolve probe target", "target", addr, "error", err)
			continue
		}
		resolved = append(resolved, ip.IP.To4())
	}
	e.mu.Lock()
	e.destinations = resolved
	e.mu.Unlock()
	e.log.Info("Updated destinations", "count", len(resolved))
	return nil
}

func (e *Engine) snapshotDestinations() []net.IP {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]net.IP, len(e.destinations))
	copy(out, e.destinations)
	return out
}

// Run opens the raw socket if none was supplied and drives the cadence loop
// until the context is cancelled. An iteration that overruns the interval is
// logged but never skipped.
func (e *Engine) Run(ctx context.Context) error {
	conn := e.cfg.Conn
	if conn == nil {
		var err error
		conn, err = openPacketConn()
		if err != nil {
			return fmt.Errorf("open probe socket: %w", err)
		}
	}
	defer conn.Close()

	e.log.Info("Starting probe loop", "interval", e.cfg.Interval, "timeout", e.cfg.Timeout, "id", e.ownID)

	start := e.clock.Now()
	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			e.log.Debug("Probe loop done")
			return nil
		}

		sendTime := e.clock.Now()
		destinations := e.snapshotDestinations()
		replies := e.tick(conn, destinations, sendTime)
		e.cfg.Output.Put(wire.Output{
			Type:     wire.TypeOutput,
			SendTime: toUnixSeconds(sendTime),
			Replies:  replies,
		})
		e.seq++

		next := start.Add(time.Duration(iteration) * e.cfg.Interval)
		remaining := next.Sub(e.clock.Now())
		if remaining <= 0 {
			e.log.Warn("Iteration took longer than the probe interval", "overrun", -remaining)
			continue
		}
		select {
		case <-ctx.Done():
			e.log.Debug("Probe loop done")
			return nil
		case <-e.clock.After(remaining):
		}
	}
}

// tick sends one echo request to every destination and collects replies
// until all have answered or the reply window closes. Every destination
// appears exactly once in the returned batch; unanswered ones carry a nil
// receive time.
func (e *Engine) tick(conn PacketConn, destinations []net.IP, sendTime time.Time) []wire.Reply {
	pkt := BuildEchoRequest(e.ownID, e.seq, e.cfg.PacketSize)
	pending := make(map[string]struct{}, len(destinations))
	for _, dst := range destinations {
		if err := conn.WriteTo(pkt, dst); err != nil {
			e.log.Error("send failed", "destination", dst, "error", err)
			// the destination stays pending and times out this tick
		}
		pending[dst.String()] = struct{}{}
	}

	replies := make([]wire.Reply, 0, len(destinations))
	buf := make([]byte, maxRecv)
	deadline := sendTime.Add(e.cfg.Timeout)
	for len(pending) > 0 {
		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			break
		}
		n, err := conn.ReadFrom(buf, remaining)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				break
			}
			e.log.Error("receive failed", "error", err)
			continue
		}
		receiveTime := e.clock.Now()
		info, ok := ParseEchoReply(buf[:n])
		if !ok {
			continue
		}
		key := info.Src.String()
		if _, isPending := pending[key]; !isPending {
			e.log.Debug("Reply from unexpected source", "source", key)
			continue
		}
		if info.ID != e.ownID || info.Seq != e.seq {
			e.log.Debug("Reply with stale identity", "source", key, "id", info.ID, "seq", info.Seq)
			continue
		}
		rt := toUnixSeconds(receiveTime)
		replies = append(replies, wire.Reply{IP: key, ReceiveTime: &rt})
		delete(pending, key)
	}

	for _, dst := range destinations {
		if _, timedOut := pending[dst.String()]; timedOut {
			replies = append(replies, wire.Reply{IP: dst.String()})
			delete(pending, dst.String())
		}
	}
	return replies
}

func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
