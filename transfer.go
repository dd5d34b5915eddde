package ftp

import (
	"crypto/tls"
	"net"
	"regexp"
	"strconv"
	"time"
)

// EndpointParser extracts a data-connection endpoint from the 227 reply
// to PASV. §4.E describes this as a pluggable parser signature so other
// reply formats can be handled instead of only the default PASV parser;
// the command sent is always PASV, never EPSV.
type EndpointParser func(message string) (host string, port int, ok bool)

// pasvRegex matches PASV's "(h1,h2,h3,h4,p1,p2)" envelope. Per §4.E
// step 1 the components are matched loosely as "[-\d]+" — some
// servers emit a leading '-' — and afterward the host octets are range
// validated while the port bytes are masked to 0-255.
var pasvRegex = regexp.MustCompile(`([-\d]+,[-\d]+,[-\d]+,[-\d]+),([-\d]+),([-\d]+)`)

// ParsePASV is the default EndpointParser, implementing §4.E step 1
// exactly: host is the comma-separated quad joined by dots, port is
// (p1 & 0xFF) * 256 + (p2 & 0xFF).
func ParsePASV(message string) (string, int, bool) {
	m := pasvRegex.FindStringSubmatch(message)
	if m == nil {
		return "", 0, false
	}

	quad := splitComma(m[1])
	if len(quad) != 4 {
		return "", 0, false
	}
	for _, p := range quad {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return "", 0, false
		}
	}
	host := quad[0] + "." + quad[1] + "." + quad[2] + "." + quad[3]

	p1, err1 := strconv.Atoi(m[2])
	p2, err2 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil {
		return "", 0, false
	}
	port := (p1 & 0xFF) * 256 + (p2 & 0xFF)
	return host, port, true
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// preparePassive implements the §4.E passive-mode preparation steps:
// send PASV, parse the endpoint, dial it, TLS-wrap it when the control
// connection is TLS (reusing its session), and install the result as
// the context's data socket.
func preparePassive(ctx *FTPContext, dialer *net.Dialer, timeout time.Duration, parse EndpointParser) error {
	if parse == nil {
		parse = ParsePASV
	}

	conn, err := Dispatch(ctx, "PASV", func(sig Signal, task *Task[net.Conn]) {
		switch sig.Kind {
		case SignalResponse:
			r := sig.Response
			if r.Code != 227 {
				task.Reject(&ProtocolError{Command: "PASV", Response: r.Message, Code: r.Code})
				return
			}
			host, port, ok := parse(r.Message)
			if !ok {
				task.Reject(&BadPasvReplyError{Message: r.Message})
				return
			}
			conn, dialErr := dialData(dialer, net.JoinHostPort(host, strconv.Itoa(port)), timeout)
			if dialErr != nil {
				task.Reject(&DataDialError{Cause: dialErr})
				return
			}
			if cfg := ctx.TLSOptions(); cfg != nil {
				wrapped, tlsErr := wrapDataTLS(conn, cfg)
				if tlsErr != nil {
					_ = conn.Close()
					task.Reject(tlsErr)
					return
				}
				conn = wrapped
			}
			task.Resolve(conn)
		case SignalError:
			task.Reject(sig.Err)
		}
	})
	if err != nil {
		return err
	}
	// Installed after Dispatch returns: the handler runs on the event-loop
	// goroutine, which is the goroutine SetDataSocket waits on.
	ctx.SetDataSocket(newSocket(conn, timeout, true))
	return nil
}

// wrapDataTLS upgrades a freshly dialed data connection to TLS. The
// control connection's tls.Config (cloned, never mutated in place) is
// reused as-is: its ClientSessionCache is what lets the handshake here
// resume the control connection's session, satisfying §4.E step 3
// without needing to thread the raw session state through by hand.
func wrapDataTLS(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	dataCfg := cfg.Clone()
	tlsConn := tls.Client(conn, dataCfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, &TLSHandshakeError{Cause: err}
	}
	return tlsConn, nil
}
