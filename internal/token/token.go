// Package token decrypts the opaque connect token a client presents
// into a guacamole.ConnectionConfig. Connection parameters never
// travel in the clear: the issuing side encrypts them under a shared
// secret, and the bridge itself only ever receives the decoded
// ConnectionConfig, never credentials.
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/outpost-guac/guacbridge/internal/guacamole"
)

const (
	pbkdfIterations = 100_000
	saltSize        = 16
	nonceSize       = 12
)

// payload is the JSON shape encrypted inside the token.
type payload struct {
	Protocol string             `json:"protocol"`
	Settings guacamole.Settings `json:"settings"`
	Display  guacamole.Display  `json:"display,omitempty"`
}

// Codec decrypts tokens using a shared secret. The same secret must
// have been used to encrypt the token on the issuing side.
type Codec struct {
	secret []byte
}

// NewCodec derives signing/encryption material from the configured
// secret. The secret should be at least 16 bytes (config.Validate
// enforces this).
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Resolve implements guacamole.TokenResolver: it verifies the JWT
// envelope, decrypts its "cfg" claim, and returns the decoded
// ConnectionConfig.
func (c *Codec) Resolve(tokenString string) (guacamole.ConnectionConfig, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.signingKey(), nil
	})
	if err != nil {
		return guacamole.ConnectionConfig{}, guacamole.NewCryptoFailure("invalid connect token", err)
	}

	encoded, ok := claims["cfg"].(string)
	if !ok {
		return guacamole.ConnectionConfig{}, guacamole.NewCryptoFailure("connect token missing cfg claim", nil)
	}

	plain, err := c.decrypt(encoded)
	if err != nil {
		return guacamole.ConnectionConfig{}, guacamole.NewCryptoFailure("failed to decrypt connect token", err)
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return guacamole.ConnectionConfig{}, guacamole.NewCryptoFailure("malformed connect token payload", err)
	}

	return guacamole.ConnectionConfig{
		Protocol: guacamole.Protocol(p.Protocol),
		Settings: p.Settings,
		Display:  p.Display,
	}, nil
}

// Encode builds a signed, encrypted token for the given config. It
// exists mainly to support tests and out-of-band token issuance
// tooling; the running service only ever calls Resolve.
func (c *Codec) Encode(config guacamole.ConnectionConfig) (string, error) {
	p := payload{Protocol: string(config.Protocol), Settings: config.Settings, Display: config.Display}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	encrypted, err := c.encrypt(plain)
	if err != nil {
		return "", err
	}

	claims := jwt.MapClaims{"cfg": encrypted}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(c.signingKey())
}

func (c *Codec) signingKey() []byte {
	sum := sha256.Sum256(append([]byte("guacbridge-signing"), c.secret...))
	return sum[:]
}

func (c *Codec) encrypt(plain []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := pbkdf2.Key(c.secret, salt, pbkdfIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

func (c *Codec) decrypt(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) < saltSize+nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	salt := raw[:saltSize]
	nonce := raw[saltSize : saltSize+nonceSize]
	ciphertext := raw[saltSize+nonceSize:]

	key := pbkdf2.Key(c.secret, salt, pbkdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}
