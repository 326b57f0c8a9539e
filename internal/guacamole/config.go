package guacamole

import (
	"fmt"
	"strings"
)

// Protocol is one of the upstream display protocols guacd can speak.
type Protocol string

const (
	ProtocolRDP        Protocol = "rdp"
	ProtocolVNC        Protocol = "vnc"
	ProtocolSSH        Protocol = "ssh"
	ProtocolTelnet     Protocol = "telnet"
	ProtocolKubernetes Protocol = "kubernetes"
)

// Display carries the client's requested screen geometry, sent during
// the handshake's size instruction.
type Display struct {
	Width  int
	Height int
	DPI    int
}

// Settings is a kebab-case-keyed parameter bag, exactly as guacd's
// "args" instruction names them. Values may be string, bool, int, or
// nil (missing).
type Settings map[string]any

// Lookup resolves a kebab-case parameter name the way guacd sends it
// (e.g. "ignore-cert") against the settings bag, trying the kebab form
// first and falling back to its snake_case equivalent.
func (s Settings) Lookup(kebabName string) (any, bool) {
	if v, ok := s[kebabName]; ok {
		return v, true
	}
	snake := strings.ReplaceAll(kebabName, "-", "_")
	v, ok := s[snake]
	return v, ok
}

// Render converts a settings value into the string guacd's connect
// instruction expects: "true"/"false" for booleans, "" for a missing
// or nil value, and the natural decimal form for numbers.
func Render(v any, ok bool) string {
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// ConnectionConfig is the opaque-to-the-transport configuration the
// core receives for one session. Token decryption, if any, happens
// upstream of the core (internal/token); the core only ever sees this
// struct.
type ConnectionConfig struct {
	Protocol Protocol
	Settings Settings
	Display  Display
}
