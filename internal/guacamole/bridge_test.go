package guacamole

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeClientLink is an in-memory ClientLink used to test SessionBridge
// without a real WebSocket connection.
type fakeClientLink struct {
	mu     sync.Mutex
	sent   [][]byte
	toSend chan []byte
	closed bool
}

func newFakeClientLink() *fakeClientLink {
	return &fakeClientLink{toSend: make(chan []byte, 16)}
}

func (f *fakeClientLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), frame...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeClientLink) Receive() ([]byte, error) {
	frame, ok := <-f.toSend
	if !ok {
		return nil, errors.New("client link closed")
	}
	return frame, nil
}

func (f *fakeClientLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toSend)
	}
	return nil
}

func (f *fakeClientLink) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return StateClosed
	}
	return StateOpen
}

func (f *fakeClientLink) sentOpcodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, frame := range f.sent {
		out = append(out, Decode(frame).Opcode())
	}
	return out
}

func TestSessionBridgeForwardsSyncBeforeEchoing(t *testing.T) {
	received := make(chan Instruction, 4)
	addr := startFakeGuacdDataPhase(t, received)
	host, port := splitHostPort(t, addr)

	client := newFakeClientLink()
	bridge := NewSessionBridge(nil, FilterChain{ErrorFilter})

	config := ConnectionConfig{Protocol: ProtocolRDP, Display: Display{Width: 800, Height: 600, DPI: 96}}

	done := make(chan error, 1)
	go func() {
		done <- bridge.Start(context.Background(), config, host, port, client)
	}()

	// The fake guacd (below) sends "sync,100" right after the ready
	// instruction. The bridge must deliver it to the client before
	// echoing it back upstream.
	select {
	case instr := <-received:
		if instr.Opcode() != "sync" {
			t.Fatalf("expected echoed sync, got %v", instr)
		}
		forwardedFirst := false
		for _, op := range client.sentOpcodes() {
			if op == "sync" {
				forwardedFirst = true
			}
		}
		if !forwardedFirst {
			t.Errorf("guacd received the sync echo before the client was sent the sync, client opcodes %v", client.sentOpcodes())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed sync")
	}

	client.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() after clean client close = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("bridge.Start did not return after client closed")
	}

	opcodes := client.sentOpcodes()
	foundSync := false
	for _, op := range opcodes {
		if op == "sync" {
			foundSync = true
		}
	}
	if !foundSync {
		t.Errorf("client never received forwarded sync, got opcodes %v", opcodes)
	}
	if bridge.State() != BridgeClosed {
		t.Errorf("State() = %v, want %v", bridge.State(), BridgeClosed)
	}
	if bridge.upstream.State() != StateClosed {
		t.Errorf("upstream State() = %v, want %v", bridge.upstream.State(), StateClosed)
	}
}

func TestSessionBridgeSynthesizesErrorFrameOnUpstreamError(t *testing.T) {
	addr := fakeGuacdThenError(t, "session gone", "523") // 0x020B SessionClosed
	host, port := splitHostPort(t, addr)

	client := newFakeClientLink()
	bridge := NewSessionBridge(nil, FilterChain{ErrorFilter})
	config := ConnectionConfig{Protocol: ProtocolVNC, Display: Display{Width: 640, Height: 480, DPI: 96}}

	done := make(chan error, 1)
	go func() { done <- bridge.Start(context.Background(), config, host, port, client) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge.Start did not return")
	}

	f, ok := err.(*Failure)
	if !ok {
		t.Fatalf("expected *Failure, got %T (%v)", err, err)
	}
	if f.Kind != KindSessionClosed {
		t.Errorf("Kind = %v, want %v", f.Kind, KindSessionClosed)
	}

	opcodes := client.sentOpcodes()
	if len(opcodes) == 0 || opcodes[len(opcodes)-1] != "error" {
		t.Fatalf("expected a synthesized error frame sent to the client, got opcodes %v", opcodes)
	}
}

func TestSessionBridgeInactivityTimeout(t *testing.T) {
	// fakeGuacd goes silent after the handshake, and the client never
	// sends, so the idle watcher must end the session.
	addr := fakeGuacd(t, "", nil)
	host, port := splitHostPort(t, addr)

	client := newFakeClientLink()
	bridge := NewSessionBridge(nil, FilterChain{ErrorFilter})
	bridge.SetInactivityTimeout(100 * time.Millisecond)

	config := ConnectionConfig{Protocol: ProtocolRDP, Display: Display{Width: 800, Height: 600, DPI: 96}}

	done := make(chan error, 1)
	go func() { done <- bridge.Start(context.Background(), config, host, port, client) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("bridge.Start did not return after the inactivity timeout")
	}

	f, ok := err.(*Failure)
	if !ok {
		t.Fatalf("expected *Failure, got %T (%v)", err, err)
	}
	if f.Kind != KindTimeout {
		t.Errorf("Kind = %v, want %v", f.Kind, KindTimeout)
	}
	if f.Details["operation"] != "inactivity" {
		t.Errorf("operation detail = %v, want inactivity", f.Details["operation"])
	}
	if f.Details["timeout_seconds"] != 0.1 {
		t.Errorf("timeout_seconds detail = %v, want 0.1", f.Details["timeout_seconds"])
	}
	if bridge.State() != BridgeClosed {
		t.Errorf("State() = %v, want %v", bridge.State(), BridgeClosed)
	}

	opcodes := client.sentOpcodes()
	if len(opcodes) == 0 || opcodes[len(opcodes)-1] != "error" {
		t.Errorf("expected a synthesized error frame before close, got opcodes %v", opcodes)
	}
}

// fakeGuacdThenError completes the handshake and then immediately
// sends an "error" data-phase instruction, to exercise the
// FilterChain's failure path and the bridge's synthesized client
// error frame.
func fakeGuacdThenError(t *testing.T, msg, code string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake guacd: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		reader := newInstructionReader(conn)
		readInstr := reader.next

		readInstr() // select
		conn.Write(Encode("args", "1.5.0"))
		for i := 0; i < 4; i++ {
			readInstr() // size, audio, video, image
		}
		readInstr() // connect
		conn.Write(Encode("ready", "$conn789"))

		conn.Write(Encode("error", msg, code))
		io.Copy(io.Discard, conn)
	}()

	return ln.Addr().String()
}

// startFakeGuacdDataPhase completes a minimal handshake and then sends
// a sync instruction, reporting the echoed sync it receives back on
// echoed.
func startFakeGuacdDataPhase(t *testing.T, echoed chan<- Instruction) string {
	return fakeGuacdWithDataPhase(t, echoed)
}
