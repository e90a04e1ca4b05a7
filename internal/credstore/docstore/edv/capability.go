package edv

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	edvwire "vcvault/contracts/edv"
	dErrors "vcvault/pkg/domain-errors"
)

// capabilitySigner mints short-lived per-request invocation tokens for one
// vault.
type capabilitySigner struct {
	key   []byte
	vault string
}

func (c *capabilitySigner) token(op string) (string, error) {
	now := time.Now()
	claims := edvwire.CapabilityClaims{
		Op:    op,
		Vault: c.vault,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "signing capability token")
	}
	return signed, nil
}
