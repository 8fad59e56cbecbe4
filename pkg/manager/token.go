package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager issues and validates join tokens for the cluster.
// Tokens live only in the leader's memory; a restarted leader requires
// a fresh token before new nodes can join.
type TokenManager struct {
	tokens map[string]*JoinToken
	mu     sync.RWMutex
}

// JoinToken represents a time-limited token for joining the cluster.
type JoinToken struct {
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*JoinToken),
	}
}

// GenerateToken generates a new join token valid for the given
// duration.
func (tm *TokenManager) GenerateToken(duration time.Duration) (*JoinToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	jt := &JoinToken{
		Token:     hex.EncodeToString(bytes),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(duration),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()

	return jt, nil
}

// ValidateToken checks that a join token exists and has not expired.
func (tm *TokenManager) ValidateToken(token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, exists := tm.tokens[token]
	if !exists {
		return fmt.Errorf("invalid token")
	}

	if time.Now().After(jt.ExpiresAt) {
		return fmt.Errorf("token expired")
	}

	return nil
}

// RevokeToken revokes a join token.
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes expired tokens.
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
