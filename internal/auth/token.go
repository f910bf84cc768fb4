// Package auth issues and verifies the HS256 access tokens used on the websocket handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/goph-chat/internal/errs"
	"github.com/and161185/goph-chat/internal/model"
)

const (
	leeway     = 30 * time.Second
	queryParam = "access_token"
)

// Issue creates a signed HS256 JWT whose subject is the user id.
func Issue(key []byte, sub model.UserID, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if len(key) == 0 {
		return "", time.Time{}, errors.New("empty signing key")
	}
	now = now.UTC()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sub.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign: %w", err)
	}
	return s, exp, nil
}

// Verify checks signature and time claims and returns the subject as a user id.
// Every failure wraps errs.ErrUnauthorized.
func Verify(key []byte, token string) (model.UserID, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	v := jwt.NewValidator(jwt.WithLeeway(leeway), jwt.WithExpirationRequired())
	if err := v.Validate(&claims); err != nil {
		return 0, fmt.Errorf("%w: token expired or not valid yet", errs.ErrUnauthorized)
	}

	id, err := model.ParseUserID(claims.Subject)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	return id, nil
}

// BearerToken extracts the token from "Authorization: Bearer <JWT>" or, for browser
// clients that cannot set headers on a websocket upgrade, the access_token query param.
func BearerToken(r *http.Request) (string, bool) {
	for _, v := range r.Header.Values("Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			if t := strings.TrimSpace(v[7:]); t != "" {
				return t, true
			}
		}
	}
	if t := strings.TrimSpace(r.URL.Query().Get(queryParam)); t != "" {
		return t, true
	}
	return "", false
}
