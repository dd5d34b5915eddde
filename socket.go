package ftp

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"time"
)

// socketEventKind enumerates the unified event surface a socket
// produces (§3 SocketEvent).
type socketEventKind int

const (
	eventData socketEventKind = iota
	eventError
	eventTimeout
	eventClosed
)

// socketEvent is one occurrence on either the control or the data
// socket, tagged with its source so the context can route it.
type socketEvent struct {
	kind socketEventKind
	data []byte
	err  error

	fromData bool // true if this event originated on the data socket
}

// socket adapts a net.Conn (plain or TLS) behind one event surface:
// write, set a uniform timeout, stream events, close, and in-place TLS
// upgrade (§4.B). A socket is read by exactly one goroutine (its own
// reader loop) and written by exactly one goroutine at a time (the
// context's event loop, or a handler via SendRaw), matching §5's
// exclusive-ownership rule.
type socket struct {
	conn    net.Conn
	timeout time.Duration
	events  chan socketEvent
	done    chan struct{}

	session   tls.ConnectionState
	hasTLS    bool
	tlsConfig *tls.Config
}

// newSocket wraps an already-connected net.Conn and starts its reader
// loop. fromData marks events as originating from the data socket so
// the context can tell them apart once fanned in.
func newSocket(conn net.Conn, timeout time.Duration, fromData bool) *socket {
	s := &socket{
		conn:    conn,
		timeout: timeout,
		events:  make(chan socketEvent, 16),
		done:    make(chan struct{}),
	}
	if tc, ok := conn.(*tls.Conn); ok {
		s.hasTLS = true
		s.session = tc.ConnectionState()
	}
	go s.readLoop(fromData)
	return s
}

func (s *socket) readLoop(fromData bool) {
	buf := make([]byte, 32*1024)
	for {
		if s.timeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.emit(socketEvent{kind: eventData, data: chunk, fromData: fromData})
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.emit(socketEvent{kind: eventTimeout, fromData: fromData})
				return
			}
			if err == io.EOF {
				s.emit(socketEvent{kind: eventClosed, fromData: fromData})
				return
			}
			s.emit(socketEvent{kind: eventError, err: err, fromData: fromData})
			return
		}
	}
}

func (s *socket) emit(ev socketEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Write sends raw bytes on this socket, applying the configured
// timeout as a write deadline.
func (s *socket) Write(p []byte) error {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(p)
	return err
}

// SetTimeout updates the uniform timeout applied to subsequent reads
// and writes.
func (s *socket) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Close shuts down the underlying connection. Idempotent.
func (s *socket) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	return s.conn.Close()
}

// Session returns the TLS connection state recorded at handshake time,
// for reuse when dialing a data connection (§4.E step 3). ok is false
// if this socket is not TLS-wrapped.
func (s *socket) Session() (tls.ConnectionState, bool) {
	return s.session, s.hasTLS
}

// upgradeToTLS performs the explicit-FTPS handshake on top of an
// already-connected plain socket and returns a new socket presenting
// the same event surface (§4.B). The caller installs it as the control
// socket via FTPContext.SetControlSocket; the old socket's reader loop
// is stopped first so it does not also attempt to read the handshake
// bytes.
func upgradeToTLS(s *socket, config *tls.Config, timeout time.Duration) (*socket, error) {
	// Stop the old reader so only the TLS handshake reads from here on.
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	cfg := config
	if cfg == nil {
		cfg = &tls.Config{}
	}

	tlsConn := tls.Client(s.conn, cfg)
	if timeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, &TLSHandshakeError{Cause: err}
		}
	}
	if err := tlsConn.Handshake(); err != nil {
		if isAuthorizationError(cfg, err) {
			return nil, &TLSAuthorizationError{Cause: err}
		}
		return nil, &TLSHandshakeError{Cause: err}
	}
	_ = s.conn.SetDeadline(time.Time{})

	return newSocket(tlsConn, timeout, false), nil
}

// isAuthorizationError distinguishes a peer-certificate-verification
// failure from other handshake failures (§4.B: "If rejectUnauthorized
// is not explicitly false and the peer certificate is not authorized,
// the upgrade fails with the underlying authorization error").
func isAuthorizationError(cfg *tls.Config, err error) bool {
	if cfg.InsecureSkipVerify {
		return false
	}
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert)
}

// dialData opens a plain TCP connection to addr for use as a data
// connection (§4.E step 2).
func dialData(dialer *net.Dialer, addr string, timeout time.Duration) (net.Conn, error) {
	d := dialer
	if d == nil {
		d = &net.Dialer{}
	}
	if timeout > 0 && d.Timeout == 0 {
		cp := *d
		cp.Timeout = timeout
		d = &cp
	}
	return d.Dial("tcp", addr)
}
