// Package collector implements the central ingestion server: it accepts
// prober websocket connections, validates their identity against the
// catalog, pushes target lists, and forwards result batches to the writer
// through an unbounded write queue.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/jamesbtate/ping-server/internal/catalog"
	"github.com/jamesbtate/ping-server/internal/metrics"
	"github.com/jamesbtate/ping-server/internal/queue"
	"github.com/jamesbtate/ping-server/internal/wire"
)

const defaultControlPollInterval = 10 * time.Second

type ServerConfig struct {
	// Catalog resolves prober identities and target lists.
	Catalog catalog.Catalog

	// Writes receives every accepted output message.
	Writes *queue.Queue[wire.Output]

	// ControlPollInterval overrides the control queue poll cadence.
	ControlPollInterval time.Duration

	// Clock overrides the wall clock.
	Clock clockwork.Clock
}

func (c *ServerConfig) Validate() error {
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Writes == nil {
		return errors.New("write queue is required")
	}
	if c.ControlPollInterval <= 0 {
		c.ControlPollInterval = defaultControlPollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// session is one authenticated prober connection. The write mutex serializes
// acks from the session goroutine with target pushes from the control poll.
type session struct {
	name     string
	remoteIP string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Server handles prober connections and the control-message poll. All
// session state lives in the clients table, keyed by prober name; a name can
// be connected at most once.
type Server struct {
	log      *slog.Logger
	cfg      *ServerConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*session
}

func NewServer(log *slog.Logger, cfg *ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		log:     log,
		cfg:     cfg,
		clients: make(map[string]*session),
	}, nil
}

// ServeHTTP upgrades the connection and runs the session state machine:
// the first frame must be a valid auth message, then the connection streams
// output messages until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = host
	}
	log := s.log.With("remote", remoteIP)

	sess, err := s.authenticate(r.Context(), conn, remoteIP)
	if err != nil {
		metrics.Errors.WithLabelValues(metrics.ErrorTypeCollectorAuthRejected).Inc()
		log.Info("Rejected connection", "error", err)
		return
	}
	defer s.unregister(sess)
	log = log.With("prober", sess.name)
	log.Info("Prober connected")

	s.stream(sess, log)
	log.Info("Prober disconnected")
}

// authenticate reads the first frame, validates the prober name against the
// catalog and the connected-clients table, registers the session, and pushes
// the initial target list. Any failure closes the socket before another
// frame is read.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn, remoteIP string) (*session, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, errors.New("connection closed before auth")
	}
	var auth wire.Auth
	if err := json.Unmarshal(data, &auth); err != nil || auth.Type != wire.TypeAuth {
		return nil, errors.New("first frame was not an auth message")
	}
	if auth.Name == "" {
		return nil, errors.New("auth with empty prober name")
	}
	if _, err := s.cfg.Catalog.GetProber(ctx, auth.Name); err != nil {
		return nil, err
	}

	targets, err := s.cfg.Catalog.TargetsFor(ctx, auth.Name)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, errors.New("prober has no targets")
	}

	sess := &session{name: auth.Name, remoteIP: remoteIP, conn: conn}
	s.mu.Lock()
	if _, connected := s.clients[auth.Name]; connected {
		s.mu.Unlock()
		return nil, errors.New("prober already connected")
	}
	s.clients[auth.Name] = sess
	metrics.ConnectedProbers.Set(float64(len(s.clients)))
	s.mu.Unlock()

	if err := sess.writeJSON(targetListMessage(targets)); err != nil {
		s.unregister(sess)
		return nil, err
	}
	return sess, nil
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	if current, ok := s.clients[sess.name]; ok && current == sess {
		delete(s.clients, sess.name)
	}
	metrics.ConnectedProbers.Set(float64(len(s.clients)))
	s.mu.Unlock()
}

// stream ingests frames until the connection closes. Malformed frames and
// unknown types are logged and skipped; they never end the session.
func (s *Server) stream(sess *session, log *slog.Logger) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope wire.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeCollectorBadFrame).Inc()
			log.Error("Malformed message", "error", err)
			continue
		}
		switch envelope.Type {
		case wire.TypeOutput:
			var output wire.Output
			if err := json.Unmarshal(data, &output); err != nil {
				metrics.Errors.WithLabelValues(metrics.ErrorTypeCollectorBadFrame).Inc()
				log.Error("Malformed output message", "error", err)
				continue
			}
			if output.ID == 0 {
				metrics.Errors.WithLabelValues(metrics.ErrorTypeCollectorBadFrame).Inc()
				log.Error("Output message without id, dropping")
				continue
			}
			output.RemoteIP = sess.remoteIP
			output.ProberName = sess.name
			s.cfg.Writes.Put(output)
			metrics.WriteQueueLength.Set(float64(s.cfg.Writes.Len()))
			if err := sess.writeJSON(wire.NewOutputAck(output.ID)); err != nil {
				log.Error("Failed to write ack", "error", err)
				return
			}
		default:
			log.Error("Unknown message type", "type", envelope.Type)
		}
	}
}

// RunControlPoll reads the control queue every poll interval. A
// NotifyProbers message re-evaluates and re-pushes the target list to every
// connected prober.
func (s *Server) RunControlPoll(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.ControlPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		messages, err := s.cfg.Catalog.GetUnread(ctx)
		if err != nil {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeControlPoll).Inc()
			s.log.Error("Control queue poll failed", "error", err)
			continue
		}
		for _, msg := range messages {
			switch msg.Kind {
			case catalog.MessageNotifyProbers:
				s.log.Info("Pushing fresh target lists", "posted", msg.Posted)
				s.pushTargetLists(ctx)
			default:
				s.log.Info("Ignoring control message", "kind", msg.Kind)
			}
		}
	}
}

func (s *Server) pushTargetLists(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.clients))
	for _, sess := range s.clients {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		targets, err := s.cfg.Catalog.TargetsFor(ctx, sess.name)
		if err != nil {
			s.log.Error("Failed to compute targets", "prober", sess.name, "error", err)
			continue
		}
		if err := sess.writeJSON(targetListMessage(targets)); err != nil {
			s.log.Error("Failed to push target list", "prober", sess.name, "error", err)
		}
	}
}

// ConnectedProbers returns the names of the currently connected probers.
func (s *Server) ConnectedProbers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	return names
}

func targetListMessage(targets []catalog.Target) wire.TargetList {
	out := make([]wire.Target, 0, len(targets))
	for _, t := range targets {
		out = append(out, wire.Target{IP: t.IP, Kind: t.Kind, Port: t.Port})
	}
	return wire.NewTargetList(out)
}
