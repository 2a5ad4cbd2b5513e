// Package auth issues and verifies the bearer tokens that identify callers.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const defaultTTL = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Manager signs tokens of the form base64(subject|expiry).base64(hmac).
// The subject is the user id the ledger charges.
type Manager struct {
	secret []byte
	now    func() time.Time
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: secret required")
	}
	return &Manager{secret: []byte(secret), now: time.Now}, nil
}

// IssueToken signs a token for subject valid for ttl (24h when zero).
func (m *Manager) IssueToken(subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("auth: subject required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	payload := fmt.Sprintf("%s|%d", subject, m.now().Add(ttl).Unix())
	sig := m.sign([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// ValidateToken verifies the signature and expiry and returns the subject.
func (m *Manager) ValidateToken(token string) (string, error) {
	encPayload, encSig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok {
		return "", fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return "", fmt.Errorf("%w: payload encoding", ErrInvalidToken)
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return "", fmt.Errorf("%w: signature encoding", ErrInvalidToken)
	}
	if !hmac.Equal(sig, m.sign(payload)) {
		return "", fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}
	sep := strings.LastIndex(string(payload), "|")
	if sep <= 0 {
		return "", fmt.Errorf("%w: payload", ErrInvalidToken)
	}
	expiry, err := strconv.ParseInt(string(payload[sep+1:]), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: expiry", ErrInvalidToken)
	}
	if m.now().Unix() > expiry {
		return "", ErrTokenExpired
	}
	return string(payload[:sep]), nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
