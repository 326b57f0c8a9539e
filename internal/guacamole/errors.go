package guacamole

import "fmt"

// Category is the top-level grouping a Kind belongs to
// (crypto / connection / protocol / configuration / authentication /
// timeout).
type Category string

const (
	CategoryCrypto         Category = "crypto"
	CategoryConnection     Category = "connection"
	CategoryProtocol       Category = "protocol"
	CategoryConfiguration  Category = "configuration"
	CategoryAuthentication Category = "authentication"
	CategoryTimeout        Category = "timeout"
)

// Kind is the closed set of typed failure kinds the core can raise.
type Kind string

const (
	// guacd status-code-mapped kinds (protocol category).
	KindUnsupported      Kind = "UNSUPPORTED"
	KindServerBusy       Kind = "SERVER_BUSY"
	KindUpstreamTimeout  Kind = "UPSTREAM_TIMEOUT"
	KindUpstream         Kind = "UPSTREAM"
	KindResourceNotFound Kind = "RESOURCE_NOT_FOUND"
	KindResourceConflict Kind = "RESOURCE_CONFLICT"
	KindSessionConflict  Kind = "SESSION_CONFLICT"
	KindSessionTimeout   Kind = "SESSION_TIMEOUT"
	KindSessionClosed    Kind = "SESSION_CLOSED"
	KindClientBadRequest Kind = "CLIENT_BAD_REQUEST"
	KindUnauthorized     Kind = "UNAUTHORIZED"
	KindClientTooMany    Kind = "CLIENT_TOO_MANY"

	// Kinds with no numeric-code counterpart.
	KindParsing         Kind = "PARSING_FAILURE"
	KindProtocolFailure Kind = "PROTOCOL_FAILURE"
	KindHandshake       Kind = "HANDSHAKE_FAILURE"
	KindConnection      Kind = "CONNECTION_FAILURE"
	KindConfiguration   Kind = "CONFIGURATION_FAILURE"
	KindTimeout         Kind = "TIMEOUT_FAILURE"
	KindCrypto          Kind = "CRYPTO_FAILURE"
)

// guacdStatusTable maps guacd's numeric status codes to the Kind
// raised for them.
var guacdStatusTable = map[int]Kind{
	0x0100: KindUnsupported,
	0x0201: KindServerBusy,
	0x0202: KindUpstreamTimeout,
	0x0203: KindUpstream,
	0x0204: KindResourceNotFound,
	0x0205: KindResourceConflict,
	0x0209: KindSessionConflict,
	0x020A: KindSessionTimeout,
	0x020B: KindSessionClosed,
	0x0300: KindClientBadRequest,
	0x0301: KindUnauthorized,
	0x0303: KindUnauthorized, // guacd uses both codes for forbidden
	0x031D: KindClientTooMany,
}

// categoryForKind reports which Category a Kind belongs to.
func categoryForKind(k Kind) Category {
	switch k {
	case KindCrypto:
		return CategoryCrypto
	case KindConnection:
		return CategoryConnection
	case KindConfiguration:
		return CategoryConfiguration
	case KindTimeout:
		return CategoryTimeout
	default:
		return CategoryProtocol
	}
}

// Failure is the single envelope every error the core raises takes.
// It satisfies the error interface.
type Failure struct {
	Category  Category
	Kind      Kind
	Message   string
	ErrorCode string
	Details   map[string]any

	// Handshake-specific context, populated only for KindHandshake.
	Phase          string
	ExpectedOpcode string
	ReceivedOpcode string

	cause error
}

func (f *Failure) Error() string {
	if f.ErrorCode != "" {
		return fmt.Sprintf("[%s] %s", f.ErrorCode, f.Message)
	}
	return f.Message
}

// Unwrap lets errors.Is/As see through to the underlying cause, if any.
func (f *Failure) Unwrap() error { return f.cause }

// WithDetail returns a copy of f with a detail key set. Callers MUST
// NOT put credentials (password/token/secret keys) into details;
// newFailure's callers are expected to have already filtered those.
func (f *Failure) WithDetail(key string, value any) *Failure {
	cp := *f
	cp.Details = make(map[string]any, len(f.Details)+1)
	for k, v := range f.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func newFailure(kind Kind, errorCode, message string) *Failure {
	return &Failure{
		Category:  categoryForKind(kind),
		Kind:      kind,
		Message:   message,
		ErrorCode: errorCode,
	}
}

// NewProtocolFailure builds the generic fallback kind raised for
// unmapped guacd status codes or malformed-but-fatal protocol state.
func NewProtocolFailure(message string) *Failure {
	return newFailure(KindProtocolFailure, "PROTOCOL_FAILURE", message)
}

// NewHandshakeFailure builds a handshake failure annotated with the
// phase and the opcodes involved.
func NewHandshakeFailure(phase, expectedOpcode, receivedOpcode, message string) *Failure {
	f := newFailure(KindHandshake, "HANDSHAKE_FAILED", message)
	f.Phase = phase
	f.ExpectedOpcode = expectedOpcode
	f.ReceivedOpcode = receivedOpcode
	return f
}

// NewConnectionFailure builds a failure for the initial TCP dial to
// guacd, or for sends attempted on a closed connection.
func NewConnectionFailure(message string, cause error) *Failure {
	f := newFailure(KindConnection, "GUACD_CONNECTION_FAILED", message)
	f.cause = cause
	return f
}

// NewTimeoutFailure builds a failure for an operation that exceeded
// its configured timeout.
func NewTimeoutFailure(operation string, timeoutSeconds float64) *Failure {
	f := newFailure(KindTimeout, "OPERATION_TIMEOUT", fmt.Sprintf("%s timed out after %.0fs", operation, timeoutSeconds))
	f.Details = map[string]any{
		"operation":       operation,
		"timeout_seconds": timeoutSeconds,
	}
	return f
}

// NewCryptoFailure builds a failure for token decryption/encryption
// problems raised outside the core (internal/token) but expressed in
// the same taxonomy.
func NewCryptoFailure(message string, cause error) *Failure {
	f := newFailure(KindCrypto, "TOKEN_DECRYPT_FAILED", message)
	f.cause = cause
	return f
}

// NewConfigurationFailure builds a failure for invalid or missing
// configuration discovered while assembling a session.
func NewConfigurationFailure(message string) *Failure {
	return newFailure(KindConfiguration, "CONFIGURATION_ERROR", message)
}

// GuacdStatusCode returns the numeric guacd status code carried in
// f's details, or 0 if none was recorded (e.g. a handshake I/O
// failure that never saw an upstream error instruction).
func (f *Failure) GuacdStatusCode() int {
	if f == nil {
		return 0
	}
	if v, ok := f.Details["guacd_status_code"]; ok {
		if code, ok := v.(int); ok {
			return code
		}
	}
	return 0
}

// failureForGuacdStatus maps a guacd numeric status code to its typed
// failure. Unknown codes fall back to KindProtocolFailure.
func failureForGuacdStatus(message string, code int) *Failure {
	kind, ok := guacdStatusTable[code]
	if !ok {
		return NewProtocolFailure(message).WithDetail("guacd_status_code", code)
	}
	f := newFailure(kind, "GUACD_"+string(kind), message)
	return f.WithDetail("guacd_status_code", code)
}
