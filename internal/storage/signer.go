package storage

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// URLClaims are the claims embedded in a signed local-backend URL.
type URLClaims struct {
	Path        string `json:"path"`
	Method      string `json:"method"` // "GET" or "PUT"
	ContentType string `json:"content_type,omitempty"`
	jwt.RegisteredClaims
}

// URLSigner mints and verifies the signed API-relative URLs the local
// backend hands out in place of true presigned URLs. The token is an
// HMAC-signed JWT carrying the storage path, allowed method and expiry.
type URLSigner struct {
	secret   []byte
	basePath string // e.g. "/api/files"
}

// NewURLSigner creates a signer. basePath is the API route the returned
// relative URLs point at.
func NewURLSigner(secret []byte, basePath string) *URLSigner {
	return &URLSigner{secret: secret, basePath: basePath}
}

// Sign returns an API-relative URL valid for ttl.
func (s *URLSigner) Sign(path, method, contentType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &URLClaims{
		Path:        path,
		Method:      method,
		ContentType: contentType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign url token: %w", err)
	}
	return s.basePath + "?token=" + url.QueryEscape(token), nil
}

// Verify parses and validates a token minted by Sign.
func (s *URLSigner) Verify(token string) (*URLClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &URLClaims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse url token: %w", err)
	}
	claims, ok := parsed.Claims.(*URLClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid url token")
	}
	return claims, nil
}
