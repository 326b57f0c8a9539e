package guacamole

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// BridgeState is the lifecycle of a SessionBridge.
type BridgeState int32

const (
	BridgeStarting BridgeState = iota
	BridgeLive
	BridgeDraining
	BridgeClosed
)

func (s BridgeState) String() string {
	switch s {
	case BridgeStarting:
		return "STARTING"
	case BridgeLive:
		return "LIVE"
	case BridgeDraining:
		return "DRAINING"
	case BridgeClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ClientLink abstracts the downstream transport a SessionBridge
// relays to. The concrete implementation for this service is the
// WebSocket-backed wsClientLink in clientlink_ws.go; tests substitute
// an in-memory fake.
type ClientLink interface {
	// Send writes one already-framed Guacamole instruction to the
	// client. Implementations must serialize concurrent callers.
	Send(frame []byte) error
	// Receive blocks for the next complete instruction sent by the
	// client. It returns an error once the link closes.
	Receive() ([]byte, error)
	Close() error
	// State reports whether the link can still accept frames.
	State() State
}

// synthesizedErrorFrame builds the ["error", message, code] frame sent
// to the client on session failure. The code is the upstream status
// code when the Failure carries one, else 0.
func synthesizedErrorFrame(err error) []byte {
	msg := "session failed"
	code := 0
	if f, ok := err.(*Failure); ok {
		msg = f.Message
		code = f.GuacdStatusCode()
	} else if err != nil {
		msg = err.Error()
	}
	return Encode("error", msg, strconv.Itoa(code))
}

// SessionBridge owns the full lifetime of one proxied session: it
// drives the upstream handshake, then relays instructions in both
// directions until either side closes.
type SessionBridge struct {
	logger *slog.Logger
	filter FilterChain

	mu          sync.Mutex
	state       BridgeState
	idleFailure *Failure

	upstream *UpstreamClient
	client   ClientLink

	inactivityTimeout time.Duration
	connectTimeout    time.Duration
	handshakeTimeout  time.Duration
}

// SetInactivityTimeout overrides the idle-session timeout used while
// the bridge is live; zero disables the check. It must be called
// before Start.
func (b *SessionBridge) SetInactivityTimeout(d time.Duration) {
	b.inactivityTimeout = d
}

// SetConnectTimeouts overrides the guacd dial/handshake timeouts used
// by the UpstreamClient this bridge creates in Start. A zero value
// leaves the corresponding package default in place.
func (b *SessionBridge) SetConnectTimeouts(connect, handshake time.Duration) {
	b.connectTimeout = connect
	b.handshakeTimeout = handshake
}

// NewSessionBridge builds a bridge that will apply chain to every
// instruction read from guacd before forwarding it to the client.
// A nil chain means no filtering.
func NewSessionBridge(logger *slog.Logger, chain FilterChain) *SessionBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionBridge{
		logger:            logger,
		filter:            chain,
		state:             BridgeStarting,
		inactivityTimeout: DefaultInactivityTimeout,
	}
}

// State reports the bridge's current lifecycle state.
func (b *SessionBridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *SessionBridge) setState(s BridgeState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Start connects to guacd, completes the handshake, and then relays
// instructions between client and upstream until one side ends the
// session. It blocks until the session is fully drained and closed.
func (b *SessionBridge) Start(ctx context.Context, config ConnectionConfig, host string, port int, client ClientLink) error {
	b.client = client
	b.upstream = NewUpstreamClient(config, b.logger)
	b.upstream.SetTimeouts(b.connectTimeout, b.handshakeTimeout)

	if err := b.upstream.Connect(ctx, host, port); err != nil {
		if client.State() == StateOpen {
			client.Send(synthesizedErrorFrame(err))
		}
		client.Close()
		return err
	}
	b.setState(BridgeLive)
	b.logger.Info("session bridge live", "connection_id", b.upstream.ConnectionID)

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- b.upstreamToClient(relayCtx)
	}()
	go func() {
		defer wg.Done()
		errs <- b.clientToUpstream(relayCtx)
	}()

	if b.inactivityTimeout > 0 {
		go b.watchInactivity(relayCtx)
	}

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
		if i == 0 {
			// One direction ended; close both endpoints so the
			// sibling's pending read returns instead of blocking.
			b.setState(BridgeDraining)
			cancel()
			b.upstream.Close()
			b.client.Close()
		}
	}
	wg.Wait()

	if first == nil {
		b.mu.Lock()
		if b.idleFailure != nil {
			first = b.idleFailure
		}
		b.mu.Unlock()
	}

	b.setState(BridgeClosed)
	b.logger.Info("session bridge closed")
	return first
}

// watchInactivity ends the session once the upstream has gone longer
// than inactivityTimeout without a send or receive. The session's
// result becomes a TimeoutFailure: both relay pumps report nil when
// their sockets are closed out from under them, so the failure is
// recorded here and picked up by Start after the pumps drain.
func (b *SessionBridge) watchInactivity(ctx context.Context) {
	ticker := time.NewTicker(b.inactivityTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(b.upstream.LastActivity()) >= b.inactivityTimeout {
				f := NewTimeoutFailure("inactivity", b.inactivityTimeout.Seconds())
				b.logger.Info("session idle, closing", "timeout", b.inactivityTimeout)

				b.mu.Lock()
				b.idleFailure = f
				b.mu.Unlock()

				if b.client.State() == StateOpen {
					b.client.Send(synthesizedErrorFrame(f))
				}
				b.upstream.Close()
				b.client.Close()
				return
			}
		}
	}
}

// upstreamToClient reads frames from guacd, runs them through the
// filter chain, and forwards survivors to the client with the wire
// bytes exactly as they arrived. Filtering only ever applies in this
// direction.
func (b *SessionBridge) upstreamToClient(ctx context.Context) error {
	var runErr error
	b.upstream.Run(ctx, func(frame []byte) error {
		instr := Decode(frame)
		if len(instr) == 0 {
			b.logger.Debug("dropping malformed frame from guacd", "len", len(frame))
			return nil
		}

		if b.filter != nil {
			_, ok, err := b.filter.Apply(instr)
			if err != nil {
				runErr = err
				if b.client.State() == StateOpen {
					b.client.Send(synthesizedErrorFrame(err))
				}
				return err
			}
			if !ok {
				return nil
			}
		}

		if instr.Opcode() == "sync" {
			return b.handleUpstreamSync(frame, instr)
		}

		return b.client.Send(frame)
	})
	return runErr
}

// handleUpstreamSync forwards a sync instruction to the client and
// only then echoes its timestamp back upstream, preserving the
// ordering contract: the client must see sync before guacd gets the
// echo.
func (b *SessionBridge) handleUpstreamSync(frame []byte, instr Instruction) error {
	if err := b.client.Send(frame); err != nil {
		return err
	}
	if len(instr) < 2 {
		return nil
	}
	return b.upstream.SendInstruction("sync", instr[1])
}

// clientToUpstream reads frames from the client and forwards them to
// guacd verbatim; no filtering applies in this direction.
func (b *SessionBridge) clientToUpstream(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := b.client.Receive()
		if err != nil {
			return nil
		}
		if err := b.upstream.SendRaw(frame); err != nil {
			return err
		}
	}
}
