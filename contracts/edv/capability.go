package edv

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// Capability operations an invocation token may authorize.
const (
	OpRead  = "read"
	OpWrite = "write"
	OpQuery = "query"
	OpIndex = "index"
)

// CapabilityClaims are the JWT claims of a vault capability invocation: the
// operation being invoked and the vault it targets.
type CapabilityClaims struct {
	Op    string `json:"op"`
	Vault string `json:"vault"`
	jwt.RegisteredClaims
}

// Capability verification errors.
var (
	ErrInvalidCapability = errors.New("invalid capability token")
	ErrWrongOperation    = errors.New("capability does not authorize this operation")
	ErrWrongVault        = errors.New("capability targets a different vault")
)

// VerifyCapability validates an invocation token and checks that it
// authorizes op on vault.
func VerifyCapability(tokenString string, key []byte, op, vault string) error {
	claims := &CapabilityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCapability
		}
		return key, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidCapability
	}
	if claims.Op != op {
		return ErrWrongOperation
	}
	if claims.Vault != vault {
		return ErrWrongVault
	}
	return nil
}
