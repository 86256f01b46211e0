package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/ccs"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state, owned exclusively by the
// Manager. Closed is terminal.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticated
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler receives each inbound frame in arrival order. It must not
// block the read loop; anything store-bound belongs on a worker queue.
type FrameHandler func(raw []byte)

// StateHook observes state transitions, primarily for tests.
type StateHook func(from, to State)

// ManagerConfig holds tunables for the connection manager.
type ManagerConfig struct {
	Credentials Credentials
	// SendTimeout bounds how long a send may park behind the draining
	// gate before failing with ErrSendTimeout.
	SendTimeout time.Duration
	// BackoffBase / BackoffCap shape the reconnect schedule. Jitter of
	// ±20% is always applied.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
}

// drainWaiter is one sender parked behind the draining gate. release is
// closed by the gate in arrival order; done is closed by the sender once
// its released write has completed, so releases stay strictly ordered.
type drainWaiter struct {
	release chan struct{}
	done    chan struct{}
}

// Manager owns the transport handle and the connection state machine.
// All network I/O flows through it: outbound sends serialize at the
// write boundary, inbound frames arrive on a single read loop.
type Manager struct {
	cfg       ManagerConfig
	transport Transport
	handler   FrameHandler
	onState   StateHook
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	drainQueue  []*drainWaiter
	closedCh    chan struct{}
	closeOnce   sync.Once
	runCancel   context.CancelFunc
	wg          sync.WaitGroup
	rng         *rand.Rand
	rngMu       sync.Mutex
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager over a transport. The frame handler is
// fixed at construction; the codec and handler are explicit
// collaborators, nothing registers itself globally.
func NewManager(cfg ManagerConfig, transport Transport, handler FrameHandler, onState StateHook, logger zerolog.Logger) (*Manager, error) {
	if transport == nil {
		return nil, fmt.Errorf("manager requires a transport")
	}
	if handler == nil {
		return nil, fmt.Errorf("manager requires a frame handler")
	}
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &Manager{
		cfg:       cfg,
		transport: transport,
		handler:   handler,
		onState:   onState,
		logger:    logger.With().Str("component", "ConnectionManager").Logger(),
		state:     Disconnected,
		closedCh:  make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens and authenticates the first connection, then starts the
// read loop. Subsequent drops are recovered internally; Connect is not
// called again.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Disconnected {
		m.mu.Unlock()
		return fmt.Errorf("connect called in state %s", m.state)
	}
	m.mu.Unlock()

	m.transition(Connecting)
	conn, err := m.transport.Connect(ctx, m.cfg.Credentials)
	if err != nil {
		m.transition(Disconnected)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.runCancel = cancel
	m.mu.Unlock()

	m.transition(Authenticated)

	m.wg.Add(1)
	go m.run(runCtx, conn)
	return nil
}

// Send serializes and writes one envelope. While the connection is
// draining the call parks, FIFO, until draining ends or the configured
// timeout elapses. When not authenticated it fails immediately with
// ErrNotConnected; sends are rejected rather than queued while the
// reconnect loop runs.
func (m *Manager) Send(ctx context.Context, env ccs.Envelope) error {
	frame, err := ccs.Encode(env)
	if err != nil {
		return err
	}

	// One deadline for the whole call: a send that keeps meeting the
	// draining gate across re-parks still fails after a single
	// SendTimeout in total.
	var deadline time.Time

	for {
		m.mu.Lock()
		switch m.state {
		case Closed:
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrNotConnected, ErrClosed)
		case Authenticated:
			conn := m.conn
			m.mu.Unlock()
			return m.writeFrame(ctx, conn, frame, env.MessageID)
		case Draining:
			if deadline.IsZero() {
				deadline = time.Now().Add(m.cfg.SendTimeout)
			}
			w := &drainWaiter{release: make(chan struct{}), done: make(chan struct{})}
			m.drainQueue = append(m.drainQueue, w)
			m.mu.Unlock()

			if err := m.awaitRelease(ctx, w, deadline); err != nil {
				return err
			}
			// Released in arrival order; finish the write before the gate
			// moves on to the next waiter, then report completion.
			m.mu.Lock()
			state := m.state
			conn := m.conn
			m.mu.Unlock()
			if state != Authenticated {
				close(w.done)
				if state == Draining {
					// Draining resumed before this sender got through; park again.
					continue
				}
				return fmt.Errorf("%w: connection lost while draining", ErrNotConnected)
			}
			err := m.writeFrame(ctx, conn, frame, env.MessageID)
			close(w.done)
			return err
		default:
			m.mu.Unlock()
			return ErrNotConnected
		}
	}
}

// SendReceipt writes an acknowledgement envelope, bypassing the
// draining gate. The broker keeps delivering inbound data frames while
// a connection drains and each still has to be acked on that
// connection, so receipts never queue behind parked sends. The write
// boundary itself stays serialized by the transport.
func (m *Manager) SendReceipt(ctx context.Context, env ccs.Envelope) error {
	frame, err := ccs.Encode(env)
	if err != nil {
		return err
	}

	m.mu.Lock()
	state := m.state
	conn := m.conn
	m.mu.Unlock()

	switch state {
	case Authenticated, Draining:
		return m.writeFrame(ctx, conn, frame, env.MessageID)
	case Closed:
		return fmt.Errorf("%w: %v", ErrNotConnected, ErrClosed)
	default:
		return ErrNotConnected
	}
}

// awaitRelease blocks until the draining gate releases the waiter, the
// deadline passes, the context is cancelled, or the manager closes.
func (m *Manager) awaitRelease(ctx context.Context, w *drainWaiter, deadline time.Time) error {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-w.release:
		return nil
	case <-timer.C:
		m.abandonWaiter(w)
		m.logger.Warn().Dur("timeout", m.cfg.SendTimeout).Msg("Send timed out behind the draining gate.")
		return ErrSendTimeout
	case <-ctx.Done():
		m.abandonWaiter(w)
		return ctx.Err()
	case <-m.closedCh:
		m.abandonWaiter(w)
		return fmt.Errorf("%w: %v", ErrNotConnected, ErrClosed)
	}
}

// abandonWaiter marks a waiter finished so the release loop never stalls
// on a sender that has already given up.
func (m *Manager) abandonWaiter(w *drainWaiter) {
	close(w.done)
	m.mu.Lock()
	for i, queued := range m.drainQueue {
		if queued == w {
			m.drainQueue = append(m.drainQueue[:i], m.drainQueue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

func (m *Manager) writeFrame(ctx context.Context, conn Conn, frame []byte, messageID string) error {
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteFrame(ctx, frame); err != nil {
		m.logger.Error().Err(err).Str("message_id", messageID).Msg("Frame write failed.")
		return fmt.Errorf("%w: %v", ErrTransportWrite, err)
	}
	m.logger.Debug().Str("message_id", messageID).Msg("Frame written.")
	return nil
}

// SetDraining toggles the draining gate. The broker signals draining to
// stop new work before it closes the connection; the connection itself
// stays up and inbound frames keep flowing.
func (m *Manager) SetDraining(draining bool) {
	if draining {
		m.mu.Lock()
		if m.state != Authenticated {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.transition(Draining)
		return
	}

	m.mu.Lock()
	if m.state != Draining {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.transition(Authenticated)
	m.releaseDrainQueue()
}

// releaseDrainQueue wakes parked senders one at a time, in arrival
// order, waiting for each released sender's write to complete before
// waking the next.
func (m *Manager) releaseDrainQueue() {
	m.mu.Lock()
	queue := m.drainQueue
	m.drainQueue = nil
	m.mu.Unlock()

	if len(queue) == 0 {
		return
	}
	go func() {
		for _, w := range queue {
			close(w.release)
			select {
			case <-w.done:
			case <-m.closedCh:
				return
			}
		}
	}()
}

// run owns one connection's read loop and the reconnect cycle after it
// drops. Reconnect attempts are sequential; there is never more than one
// in flight.
func (m *Manager) run(ctx context.Context, conn Conn) {
	defer m.wg.Done()
	for {
		m.readLoop(ctx, conn)
		if ctx.Err() != nil || m.State() == Closed {
			return
		}

		m.logger.Warn().Msg("Connection lost unexpectedly, entering reconnect.")
		m.transition(Connecting)
		// A dead connection cannot drain; release anyone parked so they
		// observe the reconnecting state.
		m.releaseDrainQueue()

		next := m.reconnect(ctx)
		if next == nil {
			return
		}
		conn = next

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		m.transition(Authenticated)
	}
}

// readLoop delivers inbound frames in arrival order until the
// connection errors or the manager stops.
func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		raw, err := conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("Read loop ended.")
			}
			_ = conn.Close()
			return
		}
		m.handler(raw)
	}
}

// reconnect retries authentication with exponential backoff (base 1s,
// cap 60s, jitter ±20%) until it succeeds or the manager closes. A
// successful reconnect clears the backoff.
func (m *Manager) reconnect(ctx context.Context) Conn {
	attempt := 0
	for {
		wait := m.backoff(attempt)
		m.logger.Info().Int("attempt", attempt+1).Dur("backoff", wait).Msg("Waiting before reconnect attempt.")
		if err := m.sleep(ctx, wait); err != nil {
			return nil
		}

		conn, err := m.transport.Connect(ctx, m.cfg.Credentials)
		if err == nil {
			m.logger.Info().Int("attempts", attempt+1).Msg("Reconnected to broker.")
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed.")
	}
}

// backoff computes the jittered exponential delay for an attempt.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 0; i < attempt && d < m.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	m.rngMu.Lock()
	jitter := 0.8 + 0.4*m.rng.Float64()
	m.rngMu.Unlock()
	return time.Duration(float64(d) * jitter)
}

// Close shuts the manager down: the transport is closed, any backoff
// wait is aborted and the state becomes Closed, terminally.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		conn := m.conn
		cancel := m.runCancel
		m.mu.Unlock()

		m.transition(Closed)
		close(m.closedCh)
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		m.wg.Wait()
		m.logger.Info().Msg("Connection manager closed.")
	})
	return nil
}

// transition moves to a new state and notifies the hook. Closed is
// terminal: once there, no further transitions happen.
func (m *Manager) transition(to State) {
	m.mu.Lock()
	from := m.state
	if from == Closed && to != Closed {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Connection state changed.")
	if m.onState != nil {
		m.onState(from, to)
	}
}
