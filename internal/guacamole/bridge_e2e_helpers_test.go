package guacamole_test

import (
	"net"
	"strconv"

	"github.com/outpost-guac/guacbridge/internal/guacamole"
)

// splitAddr splits a "host:port" address into its host and integer
// port, as NewHandler expects.
func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// newE2EFakeGuacd starts a minimal guacd stand-in: it completes the
// five-phase handshake and then echoes every subsequent instruction
// back verbatim, so the e2e suite can observe a full client -> guacd
// -> client round trip without a real guacd binary.
func newE2EFakeGuacd() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		decoder := guacamole.NewStreamDecoder()
		buf := make([]byte, 4096)
		var pending []guacamole.Instruction

		next := func() guacamole.Instruction {
			for len(pending) == 0 {
				n, err := conn.Read(buf)
				if err != nil {
					return nil
				}
				frames, _ := decoder.Feed(buf[:n])
				for _, frame := range frames {
					pending = append(pending, guacamole.Decode(frame))
				}
			}
			instr := pending[0]
			pending = pending[1:]
			return instr
		}

		next() // select
		conn.Write(guacamole.Encode("args", "1.5.0"))
		for i := 0; i < 4; i++ {
			next() // size, audio, video, image
		}
		next() // connect
		conn.Write(guacamole.Encode("ready", "$e2e"))

		for {
			instr := next()
			if instr == nil {
				return
			}
			conn.Write(guacamole.Encode([]string(instr)...))
		}
	}()

	return ln.Addr().String()
}
