package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyIssuer marks identities derived from locally configured API keys.
const apiKeyIssuer = "local"

// APIKey is a named, bcrypt-hashed gateway API key.
type APIKey struct {
	Name string
	Hash string
}

// APIKeyVerifier resolves presented API keys to identities.
type APIKeyVerifier struct {
	keys []APIKey
}

// NewAPIKeyVerifier creates a verifier over the configured keys. Keys with
// an empty name or hash are rejected.
func NewAPIKeyVerifier(keys []APIKey) (*APIKeyVerifier, error) {
	for _, k := range keys {
		if k.Name == "" || k.Hash == "" {
			return nil, fmt.Errorf("api key %q: name and hash are required", k.Name)
		}
	}
	return &APIKeyVerifier{keys: keys}, nil
}

// Verify matches the presented key against the configured hashes and returns
// the identity of the matching key, if any.
func (v *APIKeyVerifier) Verify(presented string) (*Identity, bool) {
	if presented == "" {
		return nil, false
	}
	for _, k := range v.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(presented)) == nil {
			return &Identity{ClaimType: "api_key", Value: k.Name, Issuer: apiKeyIssuer}, true
		}
	}
	return nil, false
}

// HashAPIKey returns the bcrypt hash of a key, for generating config entries.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}
