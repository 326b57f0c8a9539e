package guacamole

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle of an UpstreamClient.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Default timeouts for the guacd connection lifecycle.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
)

// Audio/image capability lists sent during the handshake's media
// phase. Kept as an unexported compatibility baseline rather than
// exposed as configuration.
var (
	defaultAudioMimetypes = []string{"audio/L16"}
	defaultImageMimetypes = []string{"image/png", "image/jpeg"}
)

// UpstreamClient owns the single TCP connection to guacd for one
// session: dialing, the five-phase handshake, and framed I/O
// thereafter.
type UpstreamClient struct {
	config ConnectionConfig
	logger *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
	writer net.Conn // nil until Connect's dial succeeds; guards sends before dial

	state State // accessed via atomic load/store through State()/setState()

	writeMu      sync.Mutex
	lastActivity atomic.Int64 // unix nanos

	// ConnectionID is populated once the handshake reaches the ready
	// phase.
	ConnectionID string

	connectTimeout   time.Duration
	handshakeTimeout time.Duration
}

// NewUpstreamClient builds a client for the given session configuration.
// Connect must be called before any I/O is attempted.
func NewUpstreamClient(config ConnectionConfig, logger *slog.Logger) *UpstreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	u := &UpstreamClient{
		config:           config,
		logger:           logger,
		state:            StateOpening,
		connectTimeout:   DefaultConnectTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	u.touch()
	return u
}

// SetTimeouts overrides the connect/handshake timeouts from their
// package defaults; a zero value leaves the corresponding timeout
// unchanged.
func (u *UpstreamClient) SetTimeouts(connect, handshake time.Duration) {
	if connect > 0 {
		u.connectTimeout = connect
	}
	if handshake > 0 {
		u.handshakeTimeout = handshake
	}
}

// State reports the client's current lifecycle state.
func (u *UpstreamClient) State() State {
	return State(atomic.LoadInt32((*int32)(&u.state)))
}

func (u *UpstreamClient) setState(s State) {
	atomic.StoreInt32((*int32)(&u.state), int32(s))
}

// LastActivity returns the timestamp of the most recent send or
// receive, used to drive the optional inactivity timeout.
func (u *UpstreamClient) LastActivity() time.Time {
	return time.Unix(0, u.lastActivity.Load())
}

func (u *UpstreamClient) touch() {
	u.lastActivity.Store(time.Now().UnixNano())
}

// Connect dials guacd and immediately runs the handshake. On any
// failure the client transitions to CLOSED and the failure is
// returned; on success it is left OPEN.
func (u *UpstreamClient) Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: u.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		u.setState(StateClosed)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return NewTimeoutFailure("connect", u.connectTimeout.Seconds())
		}
		return NewConnectionFailure(fmt.Sprintf("failed to connect to guacd at %s", addr), err)
	}

	u.conn = conn
	u.writer = conn
	u.reader = bufio.NewReader(conn)
	u.setState(StateOpening)

	hctx := ctx
	var cancel context.CancelFunc
	if u.handshakeTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, u.handshakeTimeout)
		defer cancel()
	}

	if err := u.handshake(hctx); err != nil {
		u.setState(StateClosed)
		conn.Close()
		return err
	}

	u.setState(StateOpen)
	return nil
}

// handshake drives the five ordered phases of the guacd protocol.
func (u *UpstreamClient) handshake(ctx context.Context) error {
	u.logger.Debug("guacd handshake: select", "protocol", u.config.Protocol)
	if err := u.send("select", string(u.config.Protocol)); err != nil {
		return err
	}

	argsInstr, err := u.receiveWithDeadline(ctx)
	if err != nil {
		return handshakeReceiveFailure("args", err)
	}
	if argsInstr.Opcode() != "args" {
		return NewHandshakeFailure("args", "args", argsInstr.Opcode(),
			fmt.Sprintf("expected args instruction, got %q", argsInstr.Opcode()))
	}
	version := ""
	var paramNames []string
	if args := argsInstr.Args(); len(args) > 0 {
		version = args[0]
		paramNames = args[1:]
	}

	u.logger.Debug("guacd handshake: display/media")
	if err := u.send("size",
		strconv.Itoa(u.config.Display.Width),
		strconv.Itoa(u.config.Display.Height),
		strconv.Itoa(u.config.Display.DPI)); err != nil {
		return err
	}
	if err := u.send(append([]string{"audio"}, defaultAudioMimetypes...)...); err != nil {
		return err
	}
	if err := u.send("video"); err != nil {
		return err
	}
	if err := u.send(append([]string{"image"}, defaultImageMimetypes...)...); err != nil {
		return err
	}

	u.logger.Debug("guacd handshake: connect", "version", version, "params", paramNames)
	connectArgs := make([]string, 0, len(paramNames)+2)
	connectArgs = append(connectArgs, "connect", version)
	for _, name := range paramNames {
		connectArgs = append(connectArgs, Render(u.config.Settings.Lookup(name)))
	}
	if err := u.send(connectArgs...); err != nil {
		return err
	}

	ready, err := u.receiveWithDeadline(ctx)
	if err != nil {
		return handshakeReceiveFailure("ready", err)
	}
	switch ready.Opcode() {
	case "ready":
		u.ConnectionID = "unknown"
		if args := ready.Args(); len(args) > 0 {
			u.ConnectionID = args[0]
		}
		return nil
	case "error":
		msg := "guacd rejected connection"
		code := 0
		if args := ready.Args(); len(args) > 0 {
			msg = args[0]
		}
		if args := ready.Args(); len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil {
				code = n
			}
		}
		f := NewHandshakeFailure("ready", "ready", "error", msg)
		return f.WithDetail("guacd_status_code", code)
	default:
		return NewHandshakeFailure("ready", "ready", ready.Opcode(),
			fmt.Sprintf("expected ready instruction, got %q", ready.Opcode()))
	}
}

// send is a handshake-phase shorthand for SendInstruction.
func (u *UpstreamClient) send(parts ...string) error {
	return u.SendInstruction(parts...)
}

// handshakeReceiveFailure classifies an error from a handshake-phase
// receive: timeouts stay TimeoutFailures, everything else becomes a
// HandshakeFailure for the phase that was waiting.
func handshakeReceiveFailure(phase string, err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return NewHandshakeFailure(phase, phase, "", err.Error())
}

func (u *UpstreamClient) receiveWithDeadline(ctx context.Context) (Instruction, error) {
	type result struct {
		instr Instruction
		err   error
	}
	done := make(chan result, 1)
	go func() {
		instr, err := u.ReceiveInstruction()
		done <- result{instr, err}
	}()

	select {
	case r := <-done:
		return r.instr, r.err
	case <-ctx.Done():
		u.conn.Close()
		return nil, NewTimeoutFailure("handshake", u.handshakeTimeout.Seconds())
	}
}

// SendInstruction encodes and writes one instruction. Writes are
// serialized: both the SessionBridge's sync echo and client-forwarded
// input may call this concurrently.
func (u *UpstreamClient) SendInstruction(parts ...string) error {
	return u.SendRaw(Encode(parts...))
}

// SendRaw writes already-framed bytes verbatim, used both for
// client-to-upstream passthrough and for handshake instructions.
func (u *UpstreamClient) SendRaw(frame []byte) error {
	if u.writer == nil {
		return NewConnectionFailure("not connected to guacd", nil)
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	if _, err := u.writer.Write(frame); err != nil {
		return NewConnectionFailure("failed to write to guacd", err)
	}
	u.touch()
	return nil
}

// ReceiveInstruction blocks for exactly one complete frame and returns
// its decoded elements. It is only used during the handshake; the
// data phase uses Run's streaming decoder instead.
func (u *UpstreamClient) ReceiveInstruction() (Instruction, error) {
	frame, err := u.reader.ReadBytes(';')
	if err != nil {
		return nil, fmt.Errorf("failed to read from guacd: %w", err)
	}
	u.touch()
	return Decode(frame), nil
}

// FrameCallback receives each raw frame read from guacd during Run,
// exactly as it arrived on the wire (used by SessionBridge to forward
// bytes to the client without re-encoding them).
type FrameCallback func(frame []byte) error

// Run reads from the upstream socket until it closes, the state
// leaves OPEN, or the context is cancelled, invoking onFrame once per
// complete frame with the bytes exactly as they arrived. I/O errors
// here are logged and end the loop rather than being returned.
func (u *UpstreamClient) Run(ctx context.Context, onFrame FrameCallback) {
	decoder := NewStreamDecoder()
	buf := make([]byte, 4096)

	stop := context.AfterFunc(ctx, func() { u.conn.Close() })
	defer stop()

	for u.State() == StateOpen {
		n, err := u.reader.Read(buf)
		if n > 0 {
			u.touch()
			frames, decErr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				if cbErr := onFrame(frame); cbErr != nil {
					u.logger.Debug("guacd run: callback error, ending loop", "error", cbErr)
					return
				}
			}
			if decErr != nil {
				u.logger.Warn("guacd run: framing buffer overflow, closing", "error", decErr)
				return
			}
		}
		if err != nil {
			u.logger.Debug("guacd run: read ended", "error", err)
			return
		}
	}
}

// Close is idempotent: it transitions to CLOSED and releases the
// socket.
func (u *UpstreamClient) Close() error {
	if u.State() == StateClosed {
		return nil
	}
	u.setState(StateClosed)
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}
