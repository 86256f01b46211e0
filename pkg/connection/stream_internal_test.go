package connection

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker answers the login handshake on the far end of a net.Pipe.
func fakeBroker(t *testing.T, server net.Conn, status, reason string) <-chan authRequest {
	t.Helper()
	received := make(chan authRequest, 1)
	go func() {
		reader := bufio.NewReader(server)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req authRequest
		_ = json.Unmarshal(line, &req)
		received <- req

		result, _ := json.Marshal(authResult{MessageType: "auth_result", Status: status, Reason: reason})
		_, _ = server.Write(append(result, '\n'))
	}()
	return received
}

func TestLoginStreamConn_Success(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	requests := fakeBroker(t, server, "ok", "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	creds := Credentials{ProjectID: "prj-9", APIKey: "secret", Domain: "broker.test"}

	conn, err := loginStreamConn(ctx, client, creds)
	require.NoError(t, err)

	req := <-requests
	assert.Equal(t, "prj-9@broker.test", req.Auth.User)
	assert.Equal(t, "secret", req.Auth.Key)

	_ = conn.Close()
}

func TestLoginStreamConn_Rejected(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	fakeBroker(t, server, "rejected", "bad api key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := loginStreamConn(ctx, client, Credentials{ProjectID: "p", APIKey: "k", Domain: "d"})
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Contains(t, err.Error(), "bad api key")
}

func TestLoginStreamConn_GarbageResult(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	go func() {
		reader := bufio.NewReader(server)
		_, _ = reader.ReadBytes('\n')
		_, _ = server.Write([]byte("not json at all\n"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := loginStreamConn(ctx, client, Credentials{ProjectID: "p", APIKey: "k", Domain: "d"})
	require.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestStreamConn_FrameOrderAndDelimiting(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	conn := &streamConn{conn: client, reader: bufio.NewReader(client)}
	peer := &streamConn{conn: server, reader: bufio.NewReader(server)}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		_ = peer.WriteFrame(ctx, []byte(`{"seq":1}`))
		_ = peer.WriteFrame(ctx, []byte(`{"seq":2}`))
	}()

	first, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"seq":1}`, string(first))

	second, err := conn.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"seq":2}`, string(second))
}

func TestStreamConn_ReadHonorsContext(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	conn := &streamConn{conn: client, reader: bufio.NewReader(client)}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := conn.ReadFrame(ctx)
	require.Error(t, err)
}
