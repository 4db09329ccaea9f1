package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrBadEntryToken = errors.New("entry token missing, expired or mismatched")

type entryClaims struct {
	EventID string `json:"evt"`
	jwt.RegisteredClaims
}

// TokenService mints and checks entry tokens: short-lived signed proof that
// a user passed admission control for one event. The stored copy makes the
// token revocable when the user's connection terminates.
type TokenService struct {
	store  *Store
	secret []byte
	ttl    time.Duration
}

func NewTokenService(store *Store, secret string, ttl time.Duration) *TokenService {
	return &TokenService{store: store, secret: []byte(secret), ttl: ttl}
}

func (t *TokenService) Mint(ctx context.Context, userID, eventID string) (string, error) {
	now := time.Now()
	claims := entryClaims{
		EventID: eventID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign entry token: %w", err)
	}
	if err := t.store.rdb.Set(ctx, entryTokenKey(userID), signed, t.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store entry token: %w", err)
	}
	return signed, nil
}

// Validate rejects a token that fails signature/expiry checks, that was
// minted for another user or event, or that has been revoked.
func (t *TokenService) Validate(ctx context.Context, token, userID, eventID string) error {
	if token == "" {
		return ErrBadEntryToken
	}
	var claims entryClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return ErrBadEntryToken
	}
	if claims.Subject != userID || claims.EventID != eventID {
		return ErrBadEntryToken
	}

	stored, err := t.store.rdb.Get(ctx, entryTokenKey(userID)).Result()
	if err == redis.Nil {
		return ErrBadEntryToken
	}
	if err != nil {
		return fmt.Errorf("failed to look up entry token: %w", err)
	}
	if stored != token {
		return ErrBadEntryToken
	}
	return nil
}

// Drop revokes the user's stored token, if any.
func (t *TokenService) Drop(ctx context.Context, userID string) error {
	err := t.store.rdb.Del(ctx, entryTokenKey(userID)).Err()
	if err != nil {
		return fmt.Errorf("failed to drop entry token: %w", err)
	}
	return nil
}
