package episode

import (
	"crypto/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aos-labs/contextd/internal/model"
)

// TokenTTL bounds how long a minted milestone token stays valid.
const TokenTTL = 5 * time.Minute

// TokenMinter mints and verifies milestone tokens: short-lived HS256 JWTs
// bound to a run id, each carrying a fresh jti nonce. One-shot consumption is
// enforced by the caller tracking the pending jti per run; the signature only
// proves the token came from this process.
type TokenMinter struct {
	key []byte
	ttl time.Duration
}

// NewTokenMinter creates a minter with a process-local random key. Tokens do
// not survive a restart, which is fine: they expire within minutes anyway.
func NewTokenMinter() (*TokenMinter, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, model.EWrap(model.KindIO, err, "milestone token key")
	}
	return &TokenMinter{key: key, ttl: TokenTTL}, nil
}

// Mint issues a token for runID and returns the token with its jti nonce.
func (tm *TokenMinter) Mint(runID string) (token, jti string, err error) {
	now := time.Now().UTC()
	jti = uuid.NewString()
	claims := jwt.RegisteredClaims{
		Subject:   runID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.key)
	if err != nil {
		return "", "", model.EWrap(model.KindIO, err, "sign milestone token")
	}
	return signed, jti, nil
}

// Validate checks signature, expiry, run binding, and that the token's jti is
// the run's currently pending one.
func (tm *TokenMinter) Validate(runID, token, pendingJTI string) error {
	if token == "" || pendingJTI == "" {
		return model.E(model.KindGate, "memory commit requires a milestone token; seal a milestone first")
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return tm.key, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return model.EWrap(model.KindGate, err, "milestone token invalid or expired")
	}
	if claims.Subject != runID {
		return model.E(model.KindGate, "milestone token is bound to another run")
	}
	if claims.ID != pendingJTI {
		return model.E(model.KindGate, "milestone token already consumed or superseded")
	}
	return nil
}
