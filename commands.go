package ftp

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// Client is the command-operations facade described in §4.F: it holds
// an FTPContext and issues the eight protocol actions the spec names,
// each one a thin handler built on top of Dispatch.
type Client struct {
	ctx     *FTPContext
	dialer  *net.Dialer
	timeout time.Duration
	verbose bool
	logger  *slog.Logger

	endpointParser EndpointParser
	rateLimit      int64

	tlsConfig *tls.Config
	tlsMode   tlsMode

	host string
}

// tlsMode selects how (or whether) TLS is established, set by
// WithExplicitTLS/WithImplicitTLS (§4.B).
type tlsMode int

const (
	tlsModeNone tlsMode = iota
	tlsModeExplicit
	tlsModeImplicit
)

// Connect dials addr ("host:port"), reads the server greeting, and
// returns a Client wired to the resulting FTPContext. The command
// table's "connect" row: no command is sent, the handler just awaits
// the 220 greeting (§4.F).
func Connect(addr string, opts ...Option) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &Client{
		dialer:  &net.Dialer{},
		timeout: 30 * time.Second,
		host:    host,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	conn, err := dialData(c.dialer, addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	var tlsUsed *tls.Config
	if c.tlsMode == tlsModeImplicit {
		cfg := c.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			clone := cfg.Clone()
			clone.ServerName = c.host
			cfg = clone
		}
		if cfg.ClientSessionCache == nil {
			clone := cfg.Clone()
			clone.ClientSessionCache = tls.NewLRUClientSessionCache(0)
			cfg = clone
		}
		tlsConn := tls.Client(conn, cfg)
		if c.timeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(c.timeout))
		}
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			if isAuthorizationError(cfg, err) {
				return nil, &TLSAuthorizationError{Cause: err}
			}
			return nil, &TLSHandshakeError{Cause: err}
		}
		_ = conn.SetDeadline(time.Time{})
		conn = tlsConn
		tlsUsed = cfg
	}

	ctl := newSocket(conn, c.timeout, false)
	c.ctx = NewFTPContext(ctl, c.timeout, c.verbose, c.logger)
	if tlsUsed != nil {
		c.ctx.SetTLSOptions(tlsUsed)
	}

	_, err = Dispatch(c.ctx, "", func(sig Signal, task *Task[struct{}]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			if r.Code == 220 {
				task.Resolve(struct{}{})
				return
			}
			task.Reject(&ProtocolError{Command: "CONNECT", Response: r.Message, Code: r.Code})
		case SignalError:
			task.Reject(sig.Err)
		}
	})
	if err != nil {
		c.ctx.Close()
		return nil, err
	}
	return c, nil
}

// Close tears down the underlying FTPContext (§4.C Close).
func (c *Client) Close() { c.ctx.Close() }

// Closed reports whether the underlying context has been closed.
func (c *Client) Closed() bool { return c.ctx.Closed() }

// Send issues an arbitrary command and classifies the reply per the
// shared policy (§4.D, §4.F "send" row). When ignoreErrors is true, a
// ProtocolError (4xx/5xx) is suppressed and the code is returned as a
// success instead; transport errors and timeouts still reject.
func (c *Client) Send(command string, ignoreErrors bool) (int, error) {
	return Dispatch(c.ctx, command, func(sig Signal, task *Task[int]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			final, rejectErr := ClassifyReply(command, r)
			if !final {
				return // 1xx: stay pending
			}
			if rejectErr == nil {
				task.Resolve(r.Code)
				return
			}
			if ignoreErrors {
				if pe, ok := rejectErr.(*ProtocolError); ok {
					task.Resolve(pe.Code)
					return
				}
			}
			task.Reject(rejectErr)
		case SignalError:
			task.Reject(sig.Err)
		}
	})
}

// UseTLS upgrades the control connection to FTPS via AUTH TLS and
// stores options for reuse on data connections (§4.F "useTLS").
func (c *Client) UseTLS(options *tls.Config) error {
	cfg := options
	if cfg == nil {
		cfg = c.tlsConfig
	}
	if cfg == nil {
		cfg = &tls.Config{ServerName: c.host}
	} else if cfg.ServerName == "" {
		clone := cfg.Clone()
		clone.ServerName = c.host
		cfg = clone
	}
	if cfg.ClientSessionCache == nil {
		clone := cfg.Clone()
		clone.ClientSessionCache = tls.NewLRUClientSessionCache(0)
		cfg = clone
	}

	_, err := Dispatch(c.ctx, "AUTH TLS", func(sig Signal, task *Task[struct{}]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			if r.Code != 200 && r.Code != 234 {
				task.Reject(&ProtocolError{Command: "AUTH TLS", Response: r.Message, Code: r.Code})
				return
			}
			task.Resolve(struct{}{})
		case SignalError:
			task.Reject(sig.Err)
		}
	})
	if err != nil {
		return err
	}

	upgraded, err := c.ctx.upgrade(cfg, c.timeout)
	if err != nil {
		return err
	}
	c.ctx.SetControlSocket(upgraded)
	c.ctx.SetTLSOptions(cfg)
	return nil
}

// upgrade performs the TLS handshake over the current control socket
// and returns the replacement socket, without installing it (the
// caller decides when to swap it in via SetControlSocket). Exposed as
// an unexported method so Dispatch's single-writer discipline is kept:
// the handshake itself must happen after the AUTH TLS task has already
// resolved and detached, outside the event loop.
func (ctx *FTPContext) upgrade(cfg *tls.Config, timeout time.Duration) (*socket, error) {
	return upgradeToTLS(ctx.control, cfg, timeout)
}

// Login authenticates with USER then PASS (§4.F "login"). An
// intermediate 331 to USER is the expected path to PASS; a bare 230 to
// USER means the server accepted without a password.
func (c *Client) Login(user, pass string) error {
	needPass, err := Dispatch(c.ctx, "USER "+user, func(sig Signal, task *Task[bool]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			switch {
			case r.Code == 230:
				task.Resolve(false)
			case r.Code == 331:
				task.Resolve(true)
			default:
				task.Reject(&ProtocolError{Command: "USER", Response: r.Message, Code: r.Code})
			}
		case SignalError:
			task.Reject(sig.Err)
		}
	})
	if err != nil {
		return err
	}
	if !needPass {
		return nil
	}

	_, err = Dispatch(c.ctx, "PASS "+pass, func(sig Signal, task *Task[struct{}]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			if r.Code == 230 {
				task.Resolve(struct{}{})
				return
			}
			task.Reject(&ProtocolError{Command: "PASS", Response: r.Message, Code: r.Code})
		case SignalError:
			task.Reject(sig.Err)
		}
	})
	return err
}

// UseDefaultSettings issues TYPE I, STRU F, and — when the control
// connection is TLS — PBSZ 0 and PROT P (both with errors ignored), in
// sequence, then opportunistically negotiates UTF8 via FEAT/OPTS
// (§4.F "useDefaultSettings"; the FEAT/OPTS step is a supplemented
// feature, see SPEC_FULL.md).
func (c *Client) UseDefaultSettings() error {
	if _, err := c.Send("TYPE I", false); err != nil {
		return err
	}
	if _, err := c.Send("STRU F", false); err != nil {
		return err
	}
	if c.ctx.TLSOptions() != nil {
		if _, err := c.Send("PBSZ 0", true); err != nil {
			return err
		}
		if _, err := c.Send("PROT P", true); err != nil {
			return err
		}
	}

	if feats, err := c.features(); err == nil {
		if _, ok := feats["UTF8"]; ok {
			_, _ = c.Send("OPTS UTF8 ON", true)
		}
	}
	return nil
}

// features issues FEAT and parses its multi-line reply into a set of
// advertised feature names (value is any trailing parameters).
func (c *Client) features() (map[string]string, error) {
	return Dispatch(c.ctx, "FEAT", func(sig Signal, task *Task[map[string]string]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			if r.Code != 211 {
				task.Reject(&ProtocolError{Command: "FEAT", Response: r.Message, Code: r.Code})
				return
			}
			task.Resolve(parseFeatureLines(r.Lines()))
		case SignalError:
			task.Reject(sig.Err)
		}
	})
}

// List issues LIST and streams the data-socket bytes into a buffer,
// handing the complete listing text to parse once the data connection
// ends (§4.F "list"). 226 is tolerated whenever it arrives and does not
// by itself finalize the task — only DataEnd does (§9 open question).
func (c *Client) List(path string, parse func(raw string) any) (any, error) {
	cmd := "LIST"
	if path != "" {
		cmd = "LIST " + path
	}
	if err := preparePassive(c.ctx, c.dialer, c.timeout, c.endpointParser); err != nil {
		return nil, err
	}

	var buf []byte

	return Dispatch(c.ctx, cmd, func(sig Signal, task *Task[any]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			switch {
			case r.Is1xx():
				// Transfer starting; nothing to do until chunks arrive.
			case r.Code == 226:
				// Tolerated before or after DataEnd; ignored here.
			case r.Code >= 400:
				task.Reject(&ProtocolError{Command: "LIST", Response: r.Message, Code: r.Code})
			}
		case SignalDataChunk:
			buf = append(buf, sig.Chunk...)
		case SignalDataEnd:
			task.Resolve(parse(string(buf)))
		case SignalError:
			task.Reject(sig.Err)
		}
	})
}

// Upload issues STOR name and pipes src into the data socket, honoring
// an optional rate limit (§4.F "upload"). It finalizes on 226, not on
// the data socket closing by itself (§9 open question).
//
// The copy from src into the data socket happens synchronously inside
// the handler — i.e. on the context's own event-loop goroutine. That
// is safe specifically because §3's single-task invariant guarantees
// nothing else is meant to happen on this context while the transfer
// runs; it also means a 226 that arrives before the copy finishes
// simply waits in the buffered event channel until the copy returns
// and the loop picks it up next.
func (c *Client) Upload(src io.Reader, name string) error {
	if err := preparePassive(c.ctx, c.dialer, c.timeout, c.endpointParser); err != nil {
		return err
	}

	reader := src
	if c.rateLimit > 0 {
		reader = newRateLimitedReader(src, c.rateLimit)
	}

	_, err := Dispatch(c.ctx, "STOR "+name, func(sig Signal, task *Task[struct{}]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			switch {
			case r.Is1xx():
				_, copyErr := io.Copy(dataWriter{c.ctx}, reader)
				// Close the data socket regardless of copyErr so the
				// server sees EOF on the STOR data connection — it
				// won't answer with 226 until it does, and the data
				// socket is otherwise never closed from this side.
				c.ctx.closeDataFromHandler()
				if copyErr != nil {
					task.Reject(&TransportError{Cause: copyErr})
					return
				}
			case r.Code == 226:
				task.Resolve(struct{}{})
			case r.Code >= 400:
				task.Reject(&ProtocolError{Command: "STOR", Response: r.Message, Code: r.Code})
			}
		case SignalError:
			task.Reject(sig.Err)
		}
	})
	return err
}

// dataWriter adapts FTPContext.writeData to io.Writer for io.Copy. It
// must only be constructed and used from inside a Handler.
type dataWriter struct{ ctx *FTPContext }

func (w dataWriter) Write(p []byte) (int, error) {
	if err := w.ctx.writeData(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Download issues REST startAt (when startAt > 0) then RETR name — or
// just RETR name otherwise — and writes data-socket chunks into dst as
// they arrive (§4.F "download"). It finalizes on 226.
func (c *Client) Download(dst io.Writer, name string, startAt int64) error {
	if err := preparePassive(c.ctx, c.dialer, c.timeout, c.endpointParser); err != nil {
		return err
	}

	writer := dst
	if c.rateLimit > 0 {
		writer = newRateLimitedWriter(dst, c.rateLimit)
	}

	command := "RETR " + name
	if startAt > 0 {
		command = "REST " + strconv.FormatInt(startAt, 10)
	}

	_, err := Dispatch(c.ctx, command, func(sig Signal, task *Task[struct{}]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			switch {
			case r.Code == 350 && startAt > 0:
				if err := c.ctx.SendRaw("RETR " + name); err != nil {
					task.Reject(err)
				}
			case r.Is1xx():
				// Transfer starting; nothing to do until chunks arrive.
			case r.Code == 226:
				task.Resolve(struct{}{})
			case r.Code >= 400:
				task.Reject(&ProtocolError{Command: "RETR", Response: r.Message, Code: r.Code})
			}
		case SignalDataChunk:
			if _, err := writer.Write(sig.Chunk); err != nil {
				task.Reject(&TransportError{Cause: err})
			}
		case SignalError:
			task.Reject(sig.Err)
		}
	})
	return err
}

// parseFeatureLines parses a FEAT reply's lines into a feature-name set.
// Only the RFC 2389 space-prefixed form is read; lines that carry a
// status prefix such as "211-FEAT" are skipped, like "211-Features:"
// and "211 End".
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for _, line := range lines {
		var featureLine string

		switch {
		case len(line) > 0 && line[0] == ' ':
			featureLine = strings.TrimSpace(line)
		case len(line) >= 4 && (line[3] == '-' || line[3] == ' '):
			continue // status line, e.g. "211-Features:" or "211 End"
		default:
			continue
		}

		if featureLine == "" {
			continue
		}

		parts := strings.SplitN(featureLine, " ", 2)
		name := strings.ToUpper(parts[0])
		params := ""
		if len(parts) > 1 {
			params = parts[1]
		}
		features[name] = params
	}
	return features
}
