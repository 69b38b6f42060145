// Package auth binds authenticated identities to gateway requests. A session
// captures the identity present at creation time; every later request for
// that session must present the same identity.
package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// subjectClaims is the ordered fallback list used to pick a stable subject
// identifier out of token claims.
var subjectClaims = []string{"sub", "preferred_username", "email"}

// Identity is a stable authenticated subject, compared by (claim type,
// value, issuer) equality.
type Identity struct {
	ClaimType string `json:"claim_type"`
	Value     string `json:"value"`
	Issuer    string `json:"issuer"`
}

// Equal reports whether two identities refer to the same subject.
func (id Identity) Equal(other Identity) bool {
	return id.ClaimType == other.ClaimType &&
		id.Value == other.Value &&
		id.Issuer == other.Issuer
}

// String returns a log-friendly form of the identity.
func (id Identity) String() string {
	return id.ClaimType + ":" + id.Value + "@" + id.Issuer
}

// IdentityFromClaims extracts a stable subject identity from JWT claims,
// trying each subject claim type in order. It returns false when no usable
// subject claim is present.
func IdentityFromClaims(claims jwt.MapClaims) (Identity, bool) {
	issuer, _ := claims["iss"].(string)
	for _, claimType := range subjectClaims {
		if v, ok := claims[claimType].(string); ok && v != "" {
			return Identity{ClaimType: claimType, Value: v, Issuer: issuer}, true
		}
	}
	return Identity{}, false
}
