// Package authn is the auth backend spec §6 calls for: init/authenticate/
// getToken/getTokenLifespan, grounded on
// github.com/tinode/chat/server/auth_token.go's fixed-layout token scheme
// (there: auth.TokenAuth; here: the single scheme a player session needs to
// resume on reconnect or on inter-GS hand-off). The byte layout, field
// order and HMAC-over-prefix construction all follow auth_token.go exactly;
// only the identity being authenticated changes (tsid.TSID of a Player
// instead of types.Uid).
package authn

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ElevenGiants/eleven-server/internal/tsid"
)

// Token layout: [16:TSID][4:expires][2:serial][32:signature] == 54 bytes.
// TSID is a fixed-width 16-byte field (zero-padded/truncated) rather than
// auth_token.go's 8-byte binary Uid, since tsid.TSID is a variable-length
// string identifier, not a fixed-size integer.
const (
	tsidStart = 0
	tsidEnd   = 16

	expiresStart = 16
	expiresEnd   = 20

	serialStart = 20
	serialEnd   = 22

	signStart = 22

	tokenLength   = 54
	minHmacKeyLen = 32
)

var (
	// ErrNotInitialized indicates Init was never called with a valid key.
	ErrNotInitialized = errors.New("authn: backend not initialized")
	// ErrMalformed indicates a token failed structural or signature checks.
	ErrMalformed = errors.New("authn: malformed token")
	// ErrExpired indicates a structurally valid, expired token.
	ErrExpired = errors.New("authn: token expired")
)

// Backend issues and verifies player session tokens. A single instance is
// shared across all sessions on a GS process — construct once at startup
// via Init.
type Backend struct {
	hmacKey  []byte
	lifespan time.Duration
	serial   uint16
}

// Config mirrors auth_token.go's Init jsonconf shape (key/serial_num/expire_in).
type Config struct {
	Key       []byte        `mapstructure:"key" json:"key"`
	SerialNum int           `mapstructure:"serial_num" json:"serial_num"`
	ExpireIn  time.Duration `mapstructure:"expire_in" json:"expire_in"`
}

// Init validates the config and constructs a ready-to-use Backend —
// grounded on auth_token.go's Init, but returning a value instead of
// mutating package-level state, so multiple GS processes in one test
// binary don't clobber each other's salt.
func Init(cfg Config) (*Backend, error) {
	if len(cfg.Key) < minHmacKeyLen {
		return nil, errors.New("authn: key is missing or too short")
	}
	if cfg.ExpireIn <= 0 {
		return nil, errors.New("authn: invalid expiration value")
	}
	return &Backend{
		hmacKey:  cfg.Key,
		lifespan: cfg.ExpireIn,
		serial:   uint16(cfg.SerialNum),
	}, nil
}

// GetTokenLifespan reports the configured token validity window.
func (b *Backend) GetTokenLifespan() time.Duration { return b.lifespan }

// GetToken issues a fresh token for t, valid for lifetime (or the backend's
// configured default when lifetime is zero) — grounded on auth_token.go's
// GenSecret.
func (b *Backend) GetToken(t tsid.TSID, lifetime time.Duration) ([]byte, time.Time, error) {
	if b == nil || b.hmacKey == nil {
		return nil, time.Time{}, ErrNotInitialized
	}
	if lifetime == 0 {
		lifetime = b.lifespan
	} else if lifetime < 0 {
		return nil, time.Time{}, errors.New("authn: negative lifetime")
	}
	expires := time.Now().Add(lifetime).UTC().Round(time.Millisecond)

	buf := new(bytes.Buffer)
	buf.Write(padTSID(t))
	binary.Write(buf, binary.LittleEndian, uint32(expires.Unix()))
	binary.Write(buf, binary.LittleEndian, b.serial)

	hasher := hmac.New(sha256.New, b.hmacKey)
	hasher.Write(buf.Bytes())
	buf.Write(hasher.Sum(nil))

	return buf.Bytes(), expires, nil
}

// Authenticate checks a token's structure and signature and returns the
// TSID and expiry it certifies — grounded on auth_token.go's Authenticate.
func (b *Backend) Authenticate(token []byte) (tsid.TSID, time.Time, error) {
	if b == nil || b.hmacKey == nil {
		return "", time.Time{}, ErrNotInitialized
	}
	if len(token) != tokenLength {
		return "", time.Time{}, ErrMalformed
	}

	if snum := binary.LittleEndian.Uint16(token[serialStart:serialEnd]); snum != b.serial {
		return "", time.Time{}, ErrMalformed
	}

	hasher := hmac.New(sha256.New, b.hmacKey)
	hasher.Write(token[:signStart])
	if !hmac.Equal(token[signStart:], hasher.Sum(nil)) {
		return "", time.Time{}, ErrMalformed
	}

	expires := time.Unix(int64(binary.LittleEndian.Uint32(token[expiresStart:expiresEnd])), 0).UTC()
	if expires.Before(time.Now().Add(time.Second)) {
		return "", time.Time{}, ErrExpired
	}

	t := unpadTSID(token[tsidStart:tsidEnd])
	return t, expires, nil
}

func padTSID(t tsid.TSID) []byte {
	buf := make([]byte, tsidEnd-tsidStart)
	copy(buf, []byte(t))
	return buf
}

func unpadTSID(b []byte) tsid.TSID {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		i = len(b)
	}
	return tsid.TSID(b[:i])
}
