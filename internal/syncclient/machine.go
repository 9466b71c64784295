// Package syncclient keeps one client connected to the realtime gateway:
// connect, authenticate, re-join rooms, reconnect with backoff. Incoming
// events are handed to a sink; the machine owns no business data.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/backoff"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

var (
	ErrConnectionExhausted = errors.New("reconnect budget exhausted")
	ErrAuthFailure         = errors.New("authentication rejected")
	ErrAuthTimeout         = errors.New("no auth response")
)

// State client connection state
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticated
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Transition one state change; Err is set when a failure caused it
type Transition struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Conn one client connection to the gateway
type Conn interface {
	Send(ctx context.Context, data []byte) error
	// Receive blocks until a frame arrives or the connection fails; Close
	// unblocks it.
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens gateway connections
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config machine tuning
type Config struct {
	Backoff      backoff.Policy
	MaxAttempts  int
	DialTimeout  time.Duration
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// loop inputs. Network results carry the generation they belong to; stale
// generations are ignored.
type (
	cmdConnect    struct{ token string }
	cmdDisconnect struct{}
	cmdJoin       struct{ deviceID string }
	cmdLeave      struct{ deviceID string }
	dialResult    struct {
		gen  uint64
		conn Conn
		err  error
	}
	frameReceived struct {
		gen  uint64
		data []byte
	}
	connLost struct {
		gen uint64
		err error
	}
	timerFired struct {
		gen  uint64
		kind timerKind
	}
)

type timerKind int

const (
	timerReconnect timerKind = iota
	timerAuth
)

// Machine client connection state machine. All state is owned by the Run
// goroutine; public methods only post messages to it.
type Machine struct {
	cfg    Config
	dialer Dialer
	sink   func(models.Event)
	logger *zap.Logger

	inbox       chan interface{}
	stopped     chan struct{}
	errs        chan error
	transitions chan Transition
	current     atomic.Int32

	afterFunc func(d time.Duration, f func()) *time.Timer

	// owned by Run
	state    State
	token    string
	rooms    map[string]struct{}
	conn     Conn
	gen      uint64
	attempts int
	timer    *time.Timer
	ctx      context.Context
}

// New creates a machine; sink receives every server event in arrival order.
func New(cfg Config, dialer Dialer, sink func(models.Event), logger *zap.Logger) *Machine {
	cfg.applyDefaults()
	if sink == nil {
		sink = func(models.Event) {}
	}
	return &Machine{
		cfg:         cfg,
		dialer:      dialer,
		sink:        sink,
		logger:      logger,
		inbox:       make(chan interface{}, 64),
		stopped:     make(chan struct{}),
		errs:        make(chan error, 4),
		transitions: make(chan Transition, 64),
		afterFunc:   time.AfterFunc,
		rooms:       make(map[string]struct{}),
	}
}

// Connect starts connecting with token. Ignored unless Idle.
func (m *Machine) Connect(token string) { m.post(cmdConnect{token: token}) }

// Disconnect forces Idle, cancelling any scheduled reconnect
func (m *Machine) Disconnect() { m.post(cmdDisconnect{}) }

// Join adds a device room; it is re-joined after every reconnect
func (m *Machine) Join(deviceID string) { m.post(cmdJoin{deviceID: deviceID}) }

// Leave removes a device room
func (m *Machine) Leave(deviceID string) { m.post(cmdLeave{deviceID: deviceID}) }

// State last published state
func (m *Machine) State() State { return State(m.current.Load()) }

// Errors terminal failures: ErrConnectionExhausted, ErrAuthFailure
func (m *Machine) Errors() <-chan error { return m.errs }

// Transitions every state change; drops when the reader falls behind
func (m *Machine) Transitions() <-chan Transition { return m.transitions }

func (m *Machine) post(msg interface{}) {
	select {
	case m.inbox <- msg:
	case <-m.stopped:
	}
}

// Run processes commands and network results until ctx is done
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.stopped)
	defer m.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbox:
			m.handle(msg)
		}
	}
}

func (m *Machine) handle(msg interface{}) {
	switch v := msg.(type) {
	case cmdConnect:
		if m.state != StateIdle {
			return
		}
		m.token = v.token
		m.attempts = 0
		m.transition(StateConnecting, nil)
		m.dial()
	case cmdDisconnect:
		m.teardown()
		m.transition(StateIdle, nil)
	case cmdJoin:
		if v.deviceID == "" {
			return
		}
		m.rooms[v.deviceID] = struct{}{}
		if m.state == StateAuthenticated || m.state == StateSubscribed {
			m.sendRoom(models.EventJoinDevice, v.deviceID)
		}
	case cmdLeave:
		delete(m.rooms, v.deviceID)
		if m.state == StateAuthenticated || m.state == StateSubscribed {
			m.sendRoom(models.EventLeaveDevice, v.deviceID)
		}
	case dialResult:
		if v.gen != m.gen {
			if v.conn != nil {
				_ = v.conn.Close()
			}
			return
		}
		if v.err != nil {
			m.lost(v.err)
			return
		}
		m.conn = v.conn
		go m.readLoop(v.gen, v.conn)
		m.arm(m.cfg.AuthTimeout, timerAuth)
	case frameReceived:
		if v.gen == m.gen {
			m.frame(v.data)
		}
	case connLost:
		if v.gen == m.gen {
			m.lost(v.err)
		}
	case timerFired:
		if v.gen != m.gen {
			return
		}
		switch v.kind {
		case timerReconnect:
			if m.state == StateReconnecting {
				m.transition(StateConnecting, nil)
				m.dial()
			}
		case timerAuth:
			if m.state == StateConnecting {
				m.lost(ErrAuthTimeout)
			}
		}
	}
}

// dial opens a connection and sends auth in the background
func (m *Machine) dial() {
	m.gen++
	gen, token := m.gen, m.token
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
		defer cancel()

		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			var frame []byte
			frame, err = models.EncodeMessage(models.EventAuth, models.AuthRequest{Token: token})
			if err == nil {
				err = conn.Send(ctx, frame)
			}
			if err != nil {
				_ = conn.Close()
				conn = nil
			}
		}
		m.post(dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (m *Machine) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.Receive()
		if err != nil {
			m.post(connLost{gen: gen, err: err})
			return
		}
		m.post(frameReceived{gen: gen, data: data})
	}
}

func (m *Machine) frame(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Debug("Dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Event {
	case models.EventAuthSuccess:
		if m.state != StateConnecting {
			return
		}
		m.attempts = 0
		m.transition(StateAuthenticated, nil)
		for _, id := range m.roomList() {
			m.sendRoom(models.EventJoinDevice, id)
		}
		m.transition(StateSubscribed, nil)
	case models.EventAuthError:
		var ae models.AuthError
		_ = json.Unmarshal(env.Data, &ae)
		err := fmt.Errorf("%w: %s", ErrAuthFailure, ae.Reason)
		m.teardown()
		m.transition(StateIdle, err)
		m.surface(err)
	default:
		ev, err := models.DecodeEvent(env.Event, env.Data)
		if err != nil {
			m.logger.Debug("Ignoring frame", zap.String("event", env.Event), zap.Error(err))
			return
		}
		m.sink(ev)
	}
}

// lost handles a failed dial or a dropped connection
func (m *Machine) lost(cause error) {
	if m.state == StateIdle {
		return
	}
	m.closeConn()
	m.gen++

	m.attempts++
	if m.attempts > m.cfg.MaxAttempts {
		err := fmt.Errorf("%w after %d attempts: %v", ErrConnectionExhausted, m.cfg.MaxAttempts, cause)
		m.transition(StateIdle, err)
		m.surface(err)
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempts - 1)
	m.logger.Info("Connection lost, reconnecting",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	m.transition(StateReconnecting, cause)
	m.arm(delay, timerReconnect)
}

// arm schedules a timer for the current generation. Every transition stops
// the previous one, so at most one is live.
func (m *Machine) arm(d time.Duration, kind timerKind) {
	m.stopTimer()
	gen := m.gen
	m.timer = m.afterFunc(d, func() { m.post(timerFired{gen: gen, kind: kind}) })
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) transition(to State, cause error) {
	from := m.state
	m.stopTimer()
	m.state = to
	m.current.Store(int32(to))
	if from == to {
		return
	}
	select {
	case m.transitions <- Transition{From: from, To: to, Attempt: m.attempts, Err: cause}:
	default:
	}
}

func (m *Machine) sendRoom(event, deviceID string) {
	if m.conn == nil {
		return
	}
	frame, err := models.EncodeMessage(event, deviceID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := m.conn.Send(ctx, frame); err != nil {
		// the read loop will report the broken connection
		m.logger.Warn("Failed to send room request",
			zap.String("event", event),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

func (m *Machine) surface(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

// teardown releases the transport and invalidates in-flight results
func (m *Machine) teardown() {
	m.stopTimer()
	m.closeConn()
	m.gen++
}

func (m *Machine) closeConn() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *Machine) roomList() []string {
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
