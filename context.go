package ftp

import (
	"crypto/tls"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FTPContext is the single-task-serialized dispatcher described in
// §4.C: it owns the control socket and, transiently, a data socket,
// fans in every socket event onto one goroutine, and routes each event
// to the handler of whichever Task is currently pending. No other
// goroutine touches the sockets or the current-task slot directly —
// every cross-goroutine request (install a task, swap a socket, close)
// is a message sent to that one goroutine.
type FTPContext struct {
	logger  *slog.Logger
	verbose bool
	timeout time.Duration

	tlsConfig *tls.Config // captured at upgrade time, reused for data conns

	events    chan routedEvent
	installCh chan installRequest
	sendRawCh chan sendRawRequest
	setCtlCh  chan setControlRequest
	setDataCh chan setDataRequest
	closeCh   chan chan struct{}

	mu         sync.Mutex
	closedFlag bool

	stopOnce sync.Once
	stopped  chan struct{}

	// loop-owned state: read/written only inside run().
	control *socket
	data    *socket
	current handle
	parser  replyParser
	closed  bool
}

type routedEvent struct {
	ev  socketEvent
	sck *socket
}

type installRequest struct {
	task    handle
	command string
	ack     chan error
}

type sendRawRequest struct {
	command string
	ack     chan error
}

type setControlRequest struct {
	socket *socket
	ack    chan struct{}
}

type setDataRequest struct {
	socket *socket // nil clears the data socket
	ack    chan struct{}
}

// NewFTPContext wires a freshly dialed control socket into a new
// dispatcher. timeout is the uniform deadline applied to both sockets;
// zero disables it. When verbose is true, every outgoing command
// (PASS redacted) and every parsed reply is logged to logger at Debug.
func NewFTPContext(control *socket, timeout time.Duration, verbose bool, logger *slog.Logger) *FTPContext {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	ctx := &FTPContext{
		logger:    logger,
		verbose:   verbose,
		timeout:   timeout,
		control:   control,
		events:    make(chan routedEvent, 64),
		installCh: make(chan installRequest),
		sendRawCh: make(chan sendRawRequest),
		setCtlCh:  make(chan setControlRequest),
		setDataCh: make(chan setDataRequest),
		closeCh:   make(chan chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
	ctx.pipe(control, false)
	go ctx.run()
	return ctx
}

// pipe starts a goroutine that forwards a socket's events into the
// context's single fan-in channel, tagged with their source so run()
// can ignore events from a socket it has since detached.
func (ctx *FTPContext) pipe(s *socket, _ bool) {
	go func() {
		forward := func(ev socketEvent) bool {
			select {
			case ctx.events <- routedEvent{ev: ev, sck: s}:
				return true
			case <-ctx.stopped:
				return false
			}
		}
		for {
			// Drain whatever is already buffered before honoring a
			// concurrent done/stop signal, so a socket's final event
			// (e.g. its EOF) is never lost to the race between the two.
			select {
			case ev := <-s.events:
				if !forward(ev) {
					return
				}
				continue
			default:
			}
			select {
			case ev := <-s.events:
				if !forward(ev) {
					return
				}
			case <-s.done:
				return
			case <-ctx.stopped:
				return
			}
		}
	}()
}

// run is the single event-loop goroutine; it is the only goroutine
// that ever reads or writes the loop-owned fields of FTPContext.
func (ctx *FTPContext) run() {
	for {
		select {
		case re := <-ctx.events:
			ctx.routeOne(re)
		case req := <-ctx.installCh:
			ctx.handleInstall(req)
		case req := <-ctx.sendRawCh:
			ctx.handleSendRaw(req)
		case req := <-ctx.setCtlCh:
			ctx.handleSetControl(req)
		case req := <-ctx.setDataCh:
			ctx.handleSetData(req)
		case done := <-ctx.closeCh:
			ctx.handleClose()
			close(done)
			ctx.teardown()
			return
		}

		if ctx.closed {
			ctx.teardown()
			return
		}
	}
}

func (ctx *FTPContext) routeOne(re routedEvent) {
	ev := re.ev
	isControl := re.sck == ctx.control
	isData := ctx.data != nil && re.sck == ctx.data
	if !isControl && !isData {
		return // stale event from a detached socket
	}

	switch ev.kind {
	case eventData:
		if isControl {
			ctx.onControlData(ev.data)
			return
		}
		ctx.deliverToCurrent(Signal{Kind: SignalDataChunk, Chunk: ev.data})
	case eventClosed:
		if isData {
			ctx.data = nil
			ctx.deliverToCurrent(Signal{Kind: SignalDataEnd})
			return
		}
		ctx.fatal(&ClosedError{})
	case eventTimeout:
		ctx.fatal(&TimeoutError{})
	case eventError:
		ctx.fatal(&TransportError{Cause: ev.err})
	}
}

func (ctx *FTPContext) onControlData(chunk []byte) {
	replies, err := ctx.parser.Feed(chunk)
	for _, r := range replies {
		if ctx.verbose {
			ctx.logger.Debug("ftp reply", "code", r.Code, "message", r.Message)
		}
		ctx.deliverToCurrent(Signal{Kind: SignalResponse, Response: r})
	}
	if err != nil {
		ctx.deliverToCurrent(Signal{Kind: SignalError, Err: err})
		ctx.fatal(err)
	}
}

func (ctx *FTPContext) deliverToCurrent(sig Signal) {
	cur := ctx.current
	if cur == nil {
		return
	}
	cur.deliver(sig)
	// Detach the task once its handler has resolved or rejected it, so
	// later signals are dropped and the next Dispatch can install.
	if f, ok := cur.(interface{ Finished() bool }); ok && f.Finished() && ctx.current == cur {
		ctx.current = nil
	}
}

// fatal tears the context down in response to a connection-level
// failure: it rejects the pending task (if any) and marks the context
// closed so subsequent operations fail fast with ClosedError (§5, §7).
func (ctx *FTPContext) fatal(err error) {
	if ctx.current != nil {
		ctx.current.forceReject(err)
		ctx.current = nil
	}
	ctx.closed = true
}

func (ctx *FTPContext) handleInstall(req installRequest) {
	if ctx.closed {
		req.ack <- &ClosedError{}
		return
	}
	if ctx.current != nil {
		req.ack <- &BusyError{}
		return
	}
	ctx.current = req.task
	req.ack <- nil

	if req.command != "" {
		if err := ctx.writeCommand(req.command); err != nil {
			ctx.current.forceReject(&TransportError{Cause: err})
			ctx.current = nil
			ctx.closed = true
		}
	}
}

func (ctx *FTPContext) handleSendRaw(req sendRawRequest) {
	if ctx.closed {
		req.ack <- &ClosedError{}
		return
	}
	err := ctx.writeCommand(req.command)
	req.ack <- err
	if err != nil {
		if ctx.current != nil {
			ctx.current.forceReject(&TransportError{Cause: err})
			ctx.current = nil
		}
		ctx.closed = true
	}
}

// writeCommand logs (with PASS redacted, §3 invariant) and writes
// command+CRLF to the control socket.
func (ctx *FTPContext) writeCommand(command string) error {
	if ctx.verbose {
		ctx.logger.Debug("ftp command", "cmd", redactPass(command))
	}
	return ctx.control.Write([]byte(command + "\r\n"))
}

// redactPass replaces a PASS command's argument so it never reaches
// the log sink in clear text (§3, §8 invariant 5).
func redactPass(command string) string {
	if len(command) >= 4 && strings.EqualFold(command[:4], "PASS") {
		return "PASS ###"
	}
	return command
}

func (ctx *FTPContext) handleSetControl(req setControlRequest) {
	old := ctx.control
	ctx.control = req.socket
	ctx.pipe(req.socket, false)
	if old != nil && old != req.socket {
		_ = old.Close()
	}
	req.ack <- struct{}{}
}

func (ctx *FTPContext) handleSetData(req setDataRequest) {
	old := ctx.data
	ctx.data = req.socket
	if req.socket != nil {
		ctx.pipe(req.socket, true)
	}
	if old != nil && old != req.socket {
		_ = old.Close()
	}
	req.ack <- struct{}{}
}

func (ctx *FTPContext) handleClose() {
	if ctx.current != nil {
		ctx.current.forceReject(&ClosedError{})
		ctx.current = nil
	}
	ctx.closed = true
}

func (ctx *FTPContext) teardown() {
	if ctx.control != nil {
		_ = ctx.control.Close()
	}
	if ctx.data != nil {
		_ = ctx.data.Close()
	}
	ctx.mu.Lock()
	ctx.closedFlag = true
	ctx.mu.Unlock()
	ctx.stopOnce.Do(func() { close(ctx.stopped) })
}

// Closed reports whether the context has been closed, either
// explicitly or by a fatal connection error (§4.C).
func (ctx *FTPContext) Closed() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.closedFlag
}

// Close tears down both sockets. If a task is pending, it is rejected
// with ClosedError. Idempotent (§3, §8 invariant 4).
func (ctx *FTPContext) Close() {
	if ctx.Closed() {
		return
	}
	done := make(chan struct{})
	select {
	case ctx.closeCh <- done:
		<-done
	case <-ctx.stopped:
	}
}

// SendRaw writes command+CRLF on the control socket without installing
// a new task (§4.C). It is used by a handler that needs a follow-up
// write inside its own turn, e.g. RETR after a 350 reply to REST. Like
// writeData, it must only be called from within a Handler: it writes
// directly on the event-loop goroutine instead of posting to it.
func (ctx *FTPContext) SendRaw(command string) error {
	ack := make(chan error, 1)
	ctx.handleSendRaw(sendRawRequest{command: command, ack: ack})
	return <-ack
}

// SetControlSocket swaps the control socket, used after a TLS upgrade.
func (ctx *FTPContext) SetControlSocket(s *socket) {
	ack := make(chan struct{})
	select {
	case ctx.setCtlCh <- setControlRequest{socket: s, ack: ack}:
		<-ack
	case <-ctx.stopped:
	}
}

// SetDataSocket installs (or, with nil, clears) the data socket.
func (ctx *FTPContext) SetDataSocket(s *socket) {
	ack := make(chan struct{})
	select {
	case ctx.setDataCh <- setDataRequest{socket: s, ack: ack}:
		<-ack
	case <-ctx.stopped:
	}
}

// SetTLSOptions records the TLS config used for the control upgrade so
// the transfer strategy can reuse it (augmented with the control
// session) when dialing a data connection (§4.E step 3).
func (ctx *FTPContext) SetTLSOptions(cfg *tls.Config) {
	ctx.tlsConfig = cfg
}

// TLSOptions returns the TLS config captured at upgrade time, or nil
// if the control connection is not TLS-wrapped.
func (ctx *FTPContext) TLSOptions() *tls.Config {
	return ctx.tlsConfig
}

// writeData writes p to the current data socket. It must only be
// called from within a Handler — i.e. from the event-loop goroutine
// itself — so that reading ctx.data here never races with routeOne's
// own reads/writes of the same field.
func (ctx *FTPContext) writeData(p []byte) error {
	if ctx.data == nil {
		return &ClosedError{}
	}
	return ctx.data.Write(p)
}

// closeDataFromHandler closes and clears the current data socket. Like
// writeData, it must only be called from within a Handler: the
// event-loop goroutine already owns ctx.data at that point, so closing
// it here directly is safe, whereas routing the same request through
// SetDataSocket would deadlock (that call blocks waiting for run() to
// service setDataCh, and run() is the very goroutine making this call).
// Used by Upload to close the data connection once the copy finishes,
// so the server's STOR sees end-of-file and finally answers with 226.
func (ctx *FTPContext) closeDataFromHandler() {
	if ctx.data == nil {
		return
	}
	_ = ctx.data.Close()
	ctx.data = nil
}

// ControlSession returns the TLS session of the control socket for
// reuse on data connections, and whether the control socket is TLS at
// all.
func (ctx *FTPContext) ControlSession() (tls.ConnectionState, bool) {
	return ctx.control.Session()
}

// Dispatch installs handler as the current task and, if command is
// non-empty, writes it + CRLF to the control socket. It blocks until
// the handler resolves or rejects the task, and fails immediately with
// BusyError if a task is already pending, or ClosedError if the
// context is closed (§4.C).
func Dispatch[T any](ctx *FTPContext, command string, handler Handler[T]) (T, error) {
	var zero T
	task := newTask(handler)

	ack := make(chan error, 1)
	select {
	case ctx.installCh <- installRequest{task: task, command: command, ack: ack}:
	case <-ctx.stopped:
		return zero, &ClosedError{}
	}

	if err := <-ack; err != nil {
		return zero, err
	}

	return task.wait()
}
