// Package prober implements the prober's collector-facing transport: a
// persistent websocket over which result batches are streamed with
// at-least-once delivery, and from which target-list pushes arrive.
package prober

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/jamesbtate/ping-server/internal/metrics"
	"github.com/jamesbtate/ping-server/internal/queue"
	"github.com/jamesbtate/ping-server/internal/wire"
)

const (
	// defaultAckTimeout is how long a transmitted batch may sit without an
	// ack before it is re-queued for transmission.
	defaultAckTimeout = 5 * time.Second

	// defaultRequeueInterval is the cadence of the staleness sweep.
	defaultRequeueInterval = time.Second

	// transmitIdleWait is how long the transmit task sleeps when the result
	// queue is empty.
	transmitIdleWait = time.Second
)

type TransportConfig struct {
	// URL is the collector websocket endpoint.
	URL string

	// Name is this prober's registered name, sent in the auth message.
	Name string

	// Results is the queue the engine produces into. The requeue sweep also
	// produces into it, so it must be multi-producer safe.
	Results *queue.Queue[wire.Output]

	// SetDestinations is invoked with the IPv4 list of every target_list
	// push; in production it is the engine's SetDestinations.
	SetDestinations func([]string) error

	// AckTimeout and RequeueInterval override the retransmission timing.
	AckTimeout      time.Duration
	RequeueInterval time.Duration

	// Clock overrides the wall clock.
	Clock clockwork.Clock

	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
}

func (c *TransportConfig) Validate() error {
	if c.URL == "" {
		return errors.New("collector url is required")
	}
	if c.Name == "" {
		return errors.New("prober name is required")
	}
	if c.Results == nil {
		return errors.New("results queue is required")
	}
	if c.SetDestinations == nil {
		return errors.New("set destinations hook is required")
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.RequeueInterval <= 0 {
		c.RequeueInterval = defaultRequeueInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return nil
}

// Transport owns the collector connection and the unconfirmed list. Each
// transmitted batch stays on the unconfirmed list until its ack arrives or
// the ack timeout passes, whichever comes first; timed-out batches go back
// to the result queue and are transmitted again with the same id.
type Transport struct {
	log   *slog.Logger
	cfg   *TransportConfig
	clock clockwork.Clock

	mu          sync.Mutex
	unconfirmed []wire.Output
	nonce       uint64
}

func NewTransport(log *slog.Logger, cfg *TransportConfig) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		log:   log,
		cfg:   cfg,
		clock: cfg.Clock,
		nonce: uint64(rand.Int63n(1 << 40)),
	}, nil
}

// Run maintains the collector connection until the context is cancelled:
// connect, authenticate, run the transmit/receive/requeue tasks, and on any
// failure tear the connection down, back off, and reconnect.
func (t *Transport) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	for {
		if ctx.Err() != nil {
			return nil
		}
		t.log.Info("Connecting to websocket", "url", t.cfg.URL)
		conn, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, nil)
		if err != nil {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeProberConnect).Inc()
			t.log.Error("Error connecting to websocket", "error", err)
			if !sleepOrDone(ctx, t.clock, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		bo = backoff.NewExponentialBackOff()

		if err := conn.WriteJSON(wire.NewAuth(t.cfg.Name)); err != nil {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeProberConnect).Inc()
			t.log.Error("Error sending auth message", "error", err)
			conn.Close()
			if !sleepOrDone(ctx, t.clock, bo.NextBackOff()) {
				return nil
			}
			continue
		}

		t.runSession(ctx, conn)
		conn.Close()
		t.log.Info("Websocket session ended, reconnecting")
		if !sleepOrDone(ctx, t.clock, bo.NextBackOff()) {
			return nil
		}
	}
}

// runSession supervises the three per-connection tasks. When any of them
// returns, or the parent context is cancelled, the others are cancelled too
// and the connection is abandoned.
func (t *Transport) runSession(ctx context.Context, conn *websocket.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessionCtx)

	// Unblock the receive task's socket read when the session ends or any
	// task fails.
	go func() {
		<-gctx.Done()
		conn.Close()
	}()

	g.Go(func() error { return t.transmit(gctx, conn) })
	g.Go(func() error { return t.receive(conn) })
	g.Go(func() error { return t.requeueStale(gctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		t.log.Error("Websocket session task failed", "error", err)
	}
}

// transmit drains the result queue, stamping each batch with a nonce and
// transmit time before sending. A batch that already carries an id is a
// retransmission and keeps it.
func (t *Transport) transmit(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		output, ok := t.cfg.Results.TryGet()
		if !ok {
			if !sleepOrDone(ctx, t.clock, transmitIdleWait) {
				return nil
			}
			continue
		}
		if output.ID == 0 {
			t.mu.Lock()
			t.nonce++
			output.ID = t.nonce
			t.mu.Unlock()
		}
		output.MessageTransmitTime = toUnixSeconds(t.clock.Now())
		if err := conn.WriteJSON(output); err != nil {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeProberTransmit).Inc()
			// Put it back so the next session retransmits it.
			t.cfg.Results.Put(output)
			return fmt.Errorf("transmit: %w", err)
		}
		metrics.BatchesSent.Inc()
		t.mu.Lock()
		t.unconfirmed = append(t.unconfirmed, output)
		t.mu.Unlock()
		t.log.Debug("Transmitted result batch", "id", output.ID, "replies", len(output.Replies))
	}
}

// receive dispatches frames from the collector. It returns when the socket
// closes.
func (t *Transport) receive(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		var envelope wire.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.log.Error("Received malformed websocket message", "error", err)
			continue
		}
		switch envelope.Type {
		case wire.TypeOutputAck:
			var ack wire.OutputAck
			if err := json.Unmarshal(data, &ack); err != nil {
				t.log.Error("Received malformed output_ack", "error", err)
				continue
			}
			t.confirm(ack.ID)
		case wire.TypeTargetList:
			var list wire.TargetList
			if err := json.Unmarshal(data, &list); err != nil {
				t.log.Error("Received malformed target_list", "error", err)
				continue
			}
			t.handleTargetList(list)
		default:
			t.log.Error("Unknown websocket message type received", "type", envelope.Type)
		}
	}
}

// confirm removes every unconfirmed batch with the given id.
func (t *Transport) confirm(id uint64) {
	t.mu.Lock()
	kept := t.unconfirmed[:0]
	confirmed := 0
	for _, output := range t.unconfirmed {
		if output.ID == id {
			confirmed++
			continue
		}
		kept = append(kept, output)
	}
	t.unconfirmed = kept
	t.mu.Unlock()
	if confirmed > 0 {
		metrics.BatchesAcked.Add(float64(confirmed))
	}
	t.log.Debug("Confirmed batches", "id", id, "count", confirmed)
}

func (t *Transport) handleTargetList(list wire.TargetList) {
	ips := make([]string, 0, len(list.Targets))
	for _, target := range list.Targets {
		// Only ICMP echo is supported; this is where other probe types
		// would dispatch differently.
		ips = append(ips, target.IP)
	}
	if err := t.cfg.SetDestinations(ips); err != nil {
		t.log.Error("Failed to apply target list", "error", err)
		return
	}
	t.log.Info("Updated target list", "targets", len(ips))
}

// requeueStale periodically moves every unconfirmed batch older than the ack
// timeout back to the result queue. The partition is exact: a batch ends up
// either on the unconfirmed list or back on the queue, never both.
func (t *Transport) requeueStale(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.cfg.RequeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		cutoff := toUnixSeconds(t.clock.Now()) - t.cfg.AckTimeout.Seconds()
		t.mu.Lock()
		kept := t.unconfirmed[:0]
		var stale []wire.Output
		for _, output := range t.unconfirmed {
			if output.MessageTransmitTime < cutoff {
				stale = append(stale, output)
			} else {
				kept = append(kept, output)
			}
		}
		t.unconfirmed = kept
		t.mu.Unlock()
		for _, output := range stale {
			t.log.Info("Re-enqueueing unacknowledged batch", "id", output.ID)
			metrics.BatchesRequeued.Inc()
			t.cfg.Results.Put(output)
		}
	}
}

// Unconfirmed reports how many transmitted batches still await an ack.
func (t *Transport) Unconfirmed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unconfirmed)
}

func sleepOrDone(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}

func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
