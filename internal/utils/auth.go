package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/sha3"
)

const apiKeyPrefix = "chk_"

// GenerateAPIKey returns a new plaintext key and the prefix shown in listings.
func GenerateAPIKey() (key string, prefix string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate api key: %w", err)
	}
	key = apiKeyPrefix + hex.EncodeToString(buf)
	return key, key[:len(apiKeyPrefix)+8], nil
}

// HashAPIKey is the lookup hash stored instead of the key.
func HashAPIKey(key string) string {
	sum := sha3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// TokenClaims is the JWT payload issued to dashboard users.
type TokenClaims struct {
	UserID         string   `json:"user_id"`
	OrganizationID string   `json:"organization_id"`
	Email          string   `json:"email"`
	Role           string   `json:"role"`
	Scopes         []string `json:"scopes"`
	jwt.RegisteredClaims
}

// IssueToken signs claims with HS256.
func IssueToken(claims TokenClaims, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
