// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package defectsync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/irlam/defect-tracker-sub006/internal/auth"
)

// JWTAuth handles JWT authentication for sync requests
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims represents JWT claims for the sync endpoint: the actor identity
// rides in the standard sub claim, the device in did.
type JWTClaims struct {
	DeviceID string `json:"did"` // Device ID (becomes source_id)
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for an actor/device pair
func (j *JWTAuth) GenerateToken(actorID, deviceID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "defect-tracker-sync",
			Subject:   actorID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.DeviceID == "" {
			return nil, fmt.Errorf("missing did (device ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (actor ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

func (j *JWTAuth) bearerClaims(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("%w: authorization header required", ErrUnauthorized)
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("%w: bearer token required", ErrUnauthorized)
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

// GetActorID extracts the actor ID from the JWT sub claim (implements ClientAuthenticator)
func (j *JWTAuth) GetActorID(r *http.Request) (string, error) {
	claims, err := j.bearerClaims(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetSourceID extracts the source ID from the JWT did claim (implements ClientAuthenticator)
func (j *JWTAuth) GetSourceID(r *http.Request) (string, error) {
	claims, err := j.bearerClaims(r)
	if err != nil {
		return "", err
	}
	return claims.DeviceID, nil
}

// Middleware returns an HTTP middleware that installs the authenticated
// actor and device identity into the request context. GET requests pass
// through untouched: the liveness probe is unauthenticated.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := j.bearerClaims(r)
		if err != nil {
			slog.Error("JWT validation failed", "error", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetActorContext(r.Context(), claims.Subject, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
