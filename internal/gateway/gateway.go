// Package gateway authenticates realtime sessions, manages device rooms and
// fans events out to subscribed sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/metrics"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

var (
	ErrAuthFailure   = errors.New("authentication failed")
	ErrAuthTimeout   = errors.New("authentication timeout")
	ErrSlowSession   = errors.New("session outbound buffer full")
	ErrSessionClosed = errors.New("session closed")
)

// SessionAuthority validates a token and returns its user id
type SessionAuthority interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// DeviceRegistry answers ownership questions
type DeviceRegistry interface {
	OwnsDevice(ctx context.Context, userID, deviceID string) (bool, error)
}

// StatusSource latest known device status, sent to a session when it joins a room
type StatusSource interface {
	GetStatus(ctx context.Context, deviceID string) (*models.DeviceStatusUpdate, error)
}

// Transport one bidirectional message connection
type Transport interface {
	Read() ([]byte, error)
	Write(data []byte, timeout time.Duration) error
	Ping(timeout time.Duration) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Config gateway tuning
type Config struct {
	AuthTimeout  time.Duration
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
}

// Gateway live sessions and device rooms of one server instance
type Gateway struct {
	cfg       Config
	authority SessionAuthority
	registry  DeviceRegistry
	statuses  StatusSource
	metrics   *metrics.Metrics
	logger    *zap.Logger

	sessions sync.Map // session id -> *session
	rooms    sync.Map // device id -> *room
}

// NewGateway creates a gateway. statuses may be nil.
func NewGateway(cfg Config, authority SessionAuthority, registry DeviceRegistry, statuses StatusSource, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		cfg:       cfg,
		authority: authority,
		registry:  registry,
		statuses:  statuses,
		metrics:   m,
		logger:    logger,
	}
}

// Serve runs one connection until it disconnects or ctx is done.
func (g *Gateway) Serve(ctx context.Context, t Transport) {
	s := newSession(uuid.New().String(), t, g.cfg.SendBuffer)
	g.sessions.Store(s.id, s)
	g.metrics.SessionOpened()
	g.logger.Debug("Session connected", zap.String("session_id", s.id))

	go g.writeLoop(s)
	go func() {
		select {
		case <-ctx.Done():
			g.destroy(s, "server shutdown")
		case <-s.done:
		}
	}()

	if err := g.authenticate(ctx, s); err != nil {
		g.metrics.AuthFailure()
		g.logger.Info("Session authentication failed",
			zap.String("session_id", s.id),
			zap.Error(err),
		)
		reason := "invalid token"
		if errors.Is(err, ErrAuthTimeout) {
			reason = "authentication timeout"
		}
		g.rejectAndClose(s, reason)
		return
	}

	g.readLoop(ctx, s)
}

// authenticate waits for the auth message within AuthTimeout. Anything else
// received before it is ignored.
func (g *Gateway) authenticate(ctx context.Context, s *session) error {
	s.setState(models.SessionAuthenticating)
	deadline := time.Now().Add(g.cfg.AuthTimeout)
	if err := s.transport.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set auth deadline: %w", err)
	}

	for {
		raw, err := s.transport.Read()
		if err != nil {
			if time.Now().After(deadline) || isTimeout(err) {
				return ErrAuthTimeout
			}
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event != models.EventAuth {
			g.logger.Debug("Ignoring message before auth", zap.String("session_id", s.id))
			continue
		}

		var req models.AuthRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return fmt.Errorf("%w: malformed auth payload", ErrAuthFailure)
		}
		userID, err := g.authority.Authenticate(ctx, req.Token)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		}

		s.bind(userID)
		if err := s.transport.SetReadDeadline(time.Now().Add(g.cfg.PongWait)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		msg, err := models.EncodeMessage(models.EventAuthSuccess, models.AuthSuccess{UserID: userID, SessionID: s.id})
		if err != nil {
			return err
		}
		if err := g.enqueue(s, outbound{data: msg}); err != nil {
			return err
		}
		g.logger.Info("Session authenticated",
			zap.String("session_id", s.id),
			zap.String("user_id", userID),
		)
		return nil
	}
}

func (g *Gateway) rejectAndClose(s *session, reason string) {
	msg, err := models.EncodeMessage(models.EventAuthError, models.AuthError{Reason: reason})
	if err != nil {
		g.destroy(s, reason)
		return
	}
	if err := g.enqueue(s, outbound{data: msg, closeAfter: true}); err != nil {
		g.destroy(s, reason)
		return
	}
	<-s.done
}

func (g *Gateway) readLoop(ctx context.Context, s *session) {
	for {
		raw, err := s.transport.Read()
		if err != nil {
			g.destroy(s, "transport closed")
			return
		}
		// any inbound frame proves liveness
		_ = s.transport.SetReadDeadline(time.Now().Add(g.cfg.PongWait))

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.logger.Debug("Dropping malformed message", zap.String("session_id", s.id), zap.Error(err))
			continue
		}

		switch env.Event {
		case models.EventJoinDevice:
			g.Join(ctx, s.id, parseDeviceID(env.Data))
		case models.EventLeaveDevice:
			g.Leave(s.id, parseDeviceID(env.Data))
		case models.EventAuth:
			// already authenticated
		default:
			g.logger.Debug("Unknown client event",
				zap.String("session_id", s.id),
				zap.String("event", env.Event),
			)
		}
	}
}

// Join subscribes a session to a device room. Unknown sessions, unowned
// devices and registry errors are refused silently and logged.
func (g *Gateway) Join(ctx context.Context, sessionID, deviceID string) bool {
	s, ok := g.session(sessionID)
	if !ok || deviceID == "" {
		return false
	}
	userID := s.user()
	if userID == "" {
		return false
	}

	owns, err := g.registry.OwnsDevice(ctx, userID, deviceID)
	if err != nil {
		g.logger.Error("Failed to check device ownership",
			zap.String("session_id", s.id),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return false
	}
	if !owns {
		g.logger.Warn("Unauthorized room join refused",
			zap.String("session_id", s.id),
			zap.String("user_id", userID),
			zap.String("device_id", deviceID),
		)
		return false
	}

	// recorded on the session first so a concurrent destroy finds the room
	s.addRoom(deviceID)
	for {
		v, _ := g.rooms.LoadOrStore(deviceID, newRoom())
		r := v.(*room)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}
		if s.isClosed() {
			r.mu.Unlock()
			return false
		}
		r.members[s.id] = s
		r.mu.Unlock()
		break
	}

	g.logger.Debug("Session joined room",
		zap.String("session_id", s.id),
		zap.String("device_id", deviceID),
	)
	g.sendInitialStatus(ctx, s, deviceID)
	return true
}

// Leave unsubscribes a session from a device room
func (g *Gateway) Leave(sessionID, deviceID string) {
	s, ok := g.session(sessionID)
	if !ok || deviceID == "" {
		return
	}
	s.removeRoom(deviceID)
	g.removeFromRoom(s, deviceID)
}

func (g *Gateway) sendInitialStatus(ctx context.Context, s *session, deviceID string) {
	if g.statuses == nil {
		return
	}
	status, err := g.statuses.GetStatus(ctx, deviceID)
	if err != nil || status == nil {
		return
	}
	data, err := models.EncodeEvent(*status)
	if err != nil {
		return
	}
	_ = g.enqueue(s, outbound{data: data})
}

// Publish fans ev out to its target. Never blocks on a slow session.
func (g *Gateway) Publish(ev models.Event) {
	data, err := models.EncodeEvent(ev)
	if err != nil {
		g.logger.Error("Failed to encode event", zap.String("event", ev.Name()), zap.Error(err))
		return
	}
	g.deliver(ev.Target(), ev.Name(), data)
}

// DeliverToUser fans ev out to every session of userID and reports how many
// sessions it was queued for.
func (g *Gateway) DeliverToUser(_ context.Context, userID string, ev models.Event) (int, error) {
	data, err := models.EncodeEvent(ev)
	if err != nil {
		return 0, err
	}
	return g.deliver(models.Target{Kind: models.TargetUser, ID: userID}, ev.Name(), data), nil
}

// deliver queues an encoded envelope for every session of target
func (g *Gateway) deliver(target models.Target, name string, data []byte) int {
	var recipients []*session
	switch target.Kind {
	case models.TargetDevice:
		v, ok := g.rooms.Load(target.ID)
		if !ok {
			return 0
		}
		r := v.(*room)
		r.mu.Lock()
		recipients = make([]*session, 0, len(r.members))
		for _, s := range r.members {
			recipients = append(recipients, s)
		}
		r.mu.Unlock()
	case models.TargetUser:
		g.sessions.Range(func(_, v interface{}) bool {
			s := v.(*session)
			if s.user() == target.ID {
				recipients = append(recipients, s)
			}
			return true
		})
	}

	count := 0
	for _, s := range recipients {
		if err := g.enqueue(s, outbound{data: data}); err != nil {
			continue
		}
		g.metrics.Fanout(name)
		count++
	}
	return count
}

// enqueue hands a frame to the session writer. A full buffer drops the session.
func (g *Gateway) enqueue(s *session, msg outbound) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		g.metrics.SlowSessionDropped()
		g.logger.Warn("Dropping slow session",
			zap.String("session_id", s.id),
			zap.String("user_id", s.user()),
		)
		g.destroy(s, "slow consumer")
		return ErrSlowSession
	}
}

func (g *Gateway) writeLoop(s *session) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.transport.Write(msg.data, g.cfg.WriteTimeout); err != nil {
				g.logger.Debug("Session write failed", zap.String("session_id", s.id), zap.Error(err))
				g.destroy(s, "write failed")
				return
			}
			if msg.closeAfter {
				g.destroy(s, "closed by server")
				return
			}
		case <-ticker.C:
			if err := s.transport.Ping(g.cfg.WriteTimeout); err != nil {
				g.destroy(s, "ping failed")
				return
			}
		}
	}
}

// destroy removes the session from every room and the session table, then
// closes its transport. Idempotent.
func (g *Gateway) destroy(s *session, reason string) {
	if !s.close() {
		return
	}
	for _, deviceID := range s.roomList() {
		g.removeFromRoom(s, deviceID)
	}
	g.sessions.Delete(s.id)
	_ = s.transport.Close()
	g.metrics.SessionClosed()

	g.logger.Debug("Session destroyed",
		zap.String("session_id", s.id),
		zap.String("user_id", s.user()),
		zap.String("reason", reason),
	)
}

func (g *Gateway) removeFromRoom(s *session, deviceID string) {
	v, ok := g.rooms.Load(deviceID)
	if !ok {
		return
	}
	r := v.(*room)
	r.mu.Lock()
	delete(r.members, s.id)
	if len(r.members) == 0 && !r.dead {
		r.dead = true
		g.rooms.Delete(deviceID)
	}
	r.mu.Unlock()
}

func (g *Gateway) session(id string) (*session, bool) {
	v, ok := g.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*session), true
}

// Sessions snapshot of live sessions
func (g *Gateway) Sessions() []models.SessionInfo {
	var out []models.SessionInfo
	g.sessions.Range(func(_, v interface{}) bool {
		out = append(out, v.(*session).info())
		return true
	})
	return out
}

// SessionCount live sessions on this instance
func (g *Gateway) SessionCount() int {
	n := 0
	g.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// RoomSize subscribers of one device room
func (g *Gateway) RoomSize(deviceID string) int {
	v, ok := g.rooms.Load(deviceID)
	if !ok {
		return 0
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Shutdown destroys every live session
func (g *Gateway) Shutdown() {
	g.sessions.Range(func(_, v interface{}) bool {
		g.destroy(v.(*session), "server shutdown")
		return true
	})
}

// parseDeviceID accepts "D1" or {"device_id":"D1"}
func parseDeviceID(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return strings.TrimSpace(obj.DeviceID)
	}
	return ""
}

type timeout interface{ Timeout() bool }

func isTimeout(err error) bool {
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
