package connection

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StreamTransportConfig holds configuration for the TLS stream transport.
type StreamTransportConfig struct {
	// Addr is the broker endpoint, host:port.
	Addr string
	// ConnectTimeout bounds dial plus authentication.
	ConnectTimeout time.Duration
	// CACertFile is an optional path to a CA certificate for verifying
	// the broker's certificate.
	CACertFile string
	// ClientCertFile / ClientKeyFile enable mTLS when both are set.
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// StreamTransport connects to the broker over TLS and speaks
// newline-delimited JSON frames. The first exchange on a fresh
// connection is the login handshake.
type StreamTransport struct {
	cfg    StreamTransportConfig
	logger zerolog.Logger
}

// NewStreamTransport creates a StreamTransport.
func NewStreamTransport(cfg StreamTransportConfig, logger zerolog.Logger) (*StreamTransport, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("broker address is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	return &StreamTransport{
		cfg:    cfg,
		logger: logger.With().Str("component", "StreamTransport").Logger(),
	}, nil
}

// Connect dials the broker, completes the TLS handshake and logs in.
func (t *StreamTransport) Connect(ctx context.Context, creds Credentials) (Conn, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	tlsConfig, err := newTLSConfig(&t.cfg)
	if err != nil {
		return nil, fmt.Errorf("tls configuration: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsConfig}
	netConn, err := dialer.DialContext(dialCtx, "tcp", t.cfg.Addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dialing %s", ErrConnectTimeout, t.cfg.Addr)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	conn, err := loginStreamConn(dialCtx, netConn, creds)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	t.logger.Info().Str("broker", t.cfg.Addr).Str("user", creds.User()).Msg("Connected and authenticated to broker.")
	return conn, nil
}

// authRequest / authResult are the login handshake frames.
type authRequest struct {
	Auth struct {
		User string `json:"user"`
		Key  string `json:"key"`
	} `json:"auth"`
}

type authResult struct {
	MessageType string `json:"message_type"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

// loginStreamConn performs the authentication exchange on an already
// established byte stream and wraps it as a frame Conn. Split out from
// Connect so the handshake and framing are testable without TLS.
func loginStreamConn(ctx context.Context, netConn net.Conn, creds Credentials) (*streamConn, error) {
	conn := &streamConn{
		conn:   netConn,
		reader: bufio.NewReader(netConn),
	}

	var req authRequest
	req.Auth.User = creds.User()
	req.Auth.Key = creds.APIKey
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode auth request: %w", err)
	}
	if err := conn.WriteFrame(ctx, frame); err != nil {
		return nil, fmt.Errorf("%w: sending login", ErrTransportUnavailable)
	}

	raw, err := conn.ReadFrame(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for login result", ErrConnectTimeout)
		}
		return nil, fmt.Errorf("%w: reading login result: %v", ErrTransportUnavailable, err)
	}

	var result authResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: undecodable login result", ErrTransportUnavailable)
	}
	if result.Status != "ok" {
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, result.Reason)
	}
	return conn, nil
}

// streamConn frames messages as newline-delimited JSON over a byte
// stream. A single mutex serializes writes; reads are owned by the
// manager's read loop.
type streamConn struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *streamConn) ReadFrame(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return bytes.TrimRight(line, "\n"), nil
}

func (c *streamConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}

	payload := make([]byte, 0, len(frame)+1)
	payload = append(payload, frame...)
	payload = append(payload, '\n')
	if _, err := c.conn.Write(payload); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// newTLSConfig builds the client TLS configuration from file paths.
func newTLSConfig(cfg *StreamTransportConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

var _ Transport = (*StreamTransport)(nil)
