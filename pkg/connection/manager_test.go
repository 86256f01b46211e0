package connection_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/ccs"
	"github.com/illmade-knight/go-ccs/pkg/connection"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mocks ---

type mockConn struct {
	mu     sync.Mutex
	writes [][]byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *mockConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("broker closed the connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) WriteFrame(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frameCopy := make([]byte, len(frame))
	copy(frameCopy, frame)
	c.writes = append(c.writes, frameCopy)
	return nil
}

func (c *mockConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// mockTransport hands out a scripted sequence of connections and errors.
type mockTransport struct {
	mu       sync.Mutex
	script   []func() (connection.Conn, error)
	connects int
}

func (t *mockTransport) Connect(_ context.Context, _ connection.Credentials) (connection.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connects >= len(t.script) {
		return nil, fmt.Errorf("%w: no more scripted connections", connection.ErrTransportUnavailable)
	}
	step := t.script[t.connects]
	t.connects++
	return step()
}

func (t *mockTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// stateRecorder captures transitions from the manager's state hook.
type stateRecorder struct {
	mu     sync.Mutex
	states []connection.State
}

func (r *stateRecorder) hook(_, to connection.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) recorded() []connection.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connection.State(nil), r.states...)
}

func testCredentials() connection.Credentials {
	return connection.Credentials{ProjectID: "prj-1", APIKey: "api-key", Domain: "broker.test"}
}

func fastConfig() connection.ManagerConfig {
	return connection.ManagerConfig{
		Credentials: testCredentials(),
		SendTimeout: time.Second,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}
}

// --- Tests ---

func TestCredentials(t *testing.T) {
	creds := testCredentials()
	assert.Equal(t, "prj-1@broker.test", creds.User())
	require.NoError(t, creds.Validate())
	require.Error(t, connection.Credentials{ProjectID: "p"}.Validate())
}

func TestManager_ConnectLifecycle(t *testing.T) {
	conn := newMockConn()
	transport := &mockTransport{script: []func() (connection.Conn, error){
		func() (connection.Conn, error) { return conn, nil },
	}}
	recorder := &stateRecorder{}

	m, err := connection.NewManager(fastConfig(), transport, func([]byte) {}, recorder.hook, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.Equal(t, connection.Disconnected, m.State())
	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, connection.Authenticated, m.State())
	assert.Equal(t, []connection.State{connection.Connecting, connection.Authenticated}, recorder.recorded())

	// A second Connect is a usage error, recovery is internal.
	require.Error(t, m.Connect(context.Background()))
}

func TestManager_ConnectAuthRejected(t *testing.T) {
	transport := &mockTransport{script: []func() (connection.Conn, error){
		func() (connection.Conn, error) {
			return nil, fmt.Errorf("%w: bad api key", connection.ErrAuthRejected)
		},
	}}

	m, err := connection.NewManager(fastConfig(), transport, func([]byte) {}, nil, zerolog.Nop())
	require.NoError(t, err)

	err = m.Connect(context.Background())
	require.ErrorIs(t, err, connection.ErrAuthRejected)
	assert.Equal(t, connection.Disconnected, m.State())
}

func TestManager_SendRequiresConnection(t *testing.T) {
	transport := &mockTransport{}
	m, err := connection.NewManager(fastConfig(), transport, func([]byte) {}, nil, zerolog.Nop())
	require.NoError(t, err)

	err = m.Send(context.Background(), ccs.Envelope{To: "d", MessageID: "m-1", Data: map[string]string{"k": "v"}})
	require.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestManager_SendWritesEncodedEnvelope(t *testing.T) {
	conn := newMockConn()
	transport := &mockTransport{script: []func() (connection.Conn, error){
		func() (connection.Conn, error) { return conn, nil },
	}}
	m, err := connection.NewManager(fastConfig(), transport, func([]byte) {}, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	env := ccs.Envelope{To: "device-7", MessageID: "m-77", Data: map[string]string{"action": "getAllUsers"}}
	require.NoError(t, m.Send(context.Background(), env))

	writes := conn.Writes()
	require.Len(t, writes, 1)
	assert.Contains(t, string(writes[0]), `"m-77"`)
	assert.Contains(t, string(writes[0]), `"device-7"`)
}

func TestManager_SendRejectsInvalidEnvelope(t *testing.T) {
	conn := newMockConn()
	transport := &mockTransport{script: []func() (connection.Conn, error){
		func() (connection.Conn, error) { return conn, nil },
	}}
	m, err := connection.NewManager(fastConfig(), transport, func([]byte) {}, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	err = m.Send(context.Background(), ccs.Envelope{Data: map[string]string{"k": "v"}})
	require.Error(t, err)
	assert.Empty(t, conn.Writes())
}

func TestManager_InboundFramesArriveInOrder(t *testing.T) {
	conn := newMockConn()
	transport := &mockTransport{script: []func() (connection.Conn, error){
		func() (connection.Conn, error) { return conn, nil },
	}}

	var mu sync.Mutex
	var received []string
	handler := func(raw []byte) {
		mu.Lock()
		received = append(received, string(raw))
		mu.Unlock()
	}

	m, err := connection.NewManager(fastConfig(), transport, handler, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		conn.in <- []byte(fmt.Sprintf("frame-%d", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 5
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, frame := range received {
		assert.Equal(t, fmt.Sprintf("frame-%d", i), frame)
	}
}

func TestManager_ReconnectsWithBackoff(t *testing.T) {
	conn1 := newMockConn()
	conn2 := newMockConn()
	transport := &mockTransport{script: []func() (connection.Conn, error){
		func() (connection.Conn, error) { return conn1, nil },
		func() (connection.Conn, error) {
			return nil, fmt.Errorf("%w: broker still down", connection.ErrTransportUnavailable)
		},
		func() (connection.Conn, error) { return conn2, nil },
	}}
	recorder := &stateRecorder{}

	m, err := connection.NewManager(fastConfig(), transport, func([]byte) {}, recorder.hook, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Connect(context.Background()))

	// Broker drops the connection.
	require.NoError(t, conn1.Close())

	require.Eventually(t, func() bool {
		return m.State() == connection.Authenticated && transport.Connects() == 3
	}, 2*time.Second, time.Millisecond, "manager did not reconnect")

	states := recorder.recorded()
	assert.Equal(t, []connection.State{
		connection.Connecting, connection.Authenticated,
		connection.Connecting, connection.Authenticated,
	}, states)

	// The new connection carries traffic.
	require.NoError(t, m.Send(context.Background(), ccs.Envelope{
		To: "d", MessageID: "m-after", Data: map[string]string{"k": "v"},
	}))
	require.Len(t, conn2.Writes(), 1)
}

func TestManager_CloseIsTerminal(t *testing.T) {
	conn := newMockConn()
	transport := &mockTransport{script: []func() (connection.Conn, error){
		func() (connection.Conn, error) { return conn, nil },
	}}
	recorder := &stateRecorder{}

	m, err := connection.NewManager(fastConfig(), transport, func([]byte) {}, recorder.hook, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Close())
	require.Equal(t, connection.Closed, m.State())

	// No reconnect after an explicit close, no further transitions.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connection.Closed, m.State())
	assert.Equal(t, 1, transport.Connects())

	err = m.Send(context.Background(), ccs.Envelope{To: "d", MessageID: "m-1", Data: map[string]string{"k": "v"}})
	require.ErrorIs(t, err, connection.ErrNotConnected)

	// Close is idempotent.
	require.NoError(t, m.Close())
}
