package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voicedesk/pkg/store"
)

// StoreCodeVerifier implements [store.AuthStore].
func (s *Store) StoreCodeVerifier(ctx context.Context, state, verifier string) error {
	const q = `
		INSERT INTO code_verifiers (state, verifier, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (state) DO UPDATE
		    SET verifier = EXCLUDED.verifier, expires_at = EXCLUDED.expires_at`
	if _, err := s.pool.Exec(ctx, q, state, verifier, s.now().Add(store.CodeVerifierTTL)); err != nil {
		return fmt.Errorf("postgres store: store verifier: %w", err)
	}
	return nil
}

// TakeCodeVerifier implements [store.AuthStore]. The row is deleted whether
// or not it has expired.
func (s *Store) TakeCodeVerifier(ctx context.Context, state string) (string, error) {
	const q = `DELETE FROM code_verifiers WHERE state = $1 RETURNING verifier, expires_at`
	var (
		verifier  string
		expiresAt time.Time
	)
	if err := s.pool.QueryRow(ctx, q, state).Scan(&verifier, &expiresAt); err != nil {
		return "", notFound("take verifier", err)
	}
	if !s.now().Before(expiresAt) {
		return "", store.ErrNotFound
	}
	return verifier, nil
}

// StoreCustomerToken implements [store.AuthStore].
func (s *Store) StoreCustomerToken(ctx context.Context, conversationID, token string, expiresAt time.Time) error {
	const q = `
		INSERT INTO customer_tokens (conversation_id, access_token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id) DO UPDATE
		    SET access_token = EXCLUDED.access_token, expires_at = EXCLUDED.expires_at`
	if _, err := s.pool.Exec(ctx, q, conversationID, token, expiresAt); err != nil {
		return fmt.Errorf("postgres store: store token: %w", err)
	}
	return nil
}

// CustomerToken implements [store.AuthStore].
func (s *Store) CustomerToken(ctx context.Context, conversationID string) (store.CustomerToken, error) {
	const q = `
		SELECT conversation_id, access_token, expires_at
		FROM   customer_tokens
		WHERE  conversation_id = $1 AND expires_at > $2`
	var t store.CustomerToken
	if err := s.pool.QueryRow(ctx, q, conversationID, s.now()).Scan(&t.ConversationID, &t.AccessToken, &t.ExpiresAt); err != nil {
		return store.CustomerToken{}, notFound("customer token", err)
	}
	return t, nil
}

// StoreCustomerAccountURL implements [store.AuthStore].
func (s *Store) StoreCustomerAccountURL(ctx context.Context, conversationID, url string) error {
	const q = `
		INSERT INTO customer_account_urls (conversation_id, url)
		VALUES ($1, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET url = EXCLUDED.url`
	if _, err := s.pool.Exec(ctx, q, conversationID, url); err != nil {
		return fmt.Errorf("postgres store: store account url: %w", err)
	}
	return nil
}

// CustomerAccountURL implements [store.AuthStore].
func (s *Store) CustomerAccountURL(ctx context.Context, conversationID string) (string, error) {
	var url string
	err := s.pool.QueryRow(ctx, `SELECT url FROM customer_account_urls WHERE conversation_id = $1`, conversationID).Scan(&url)
	if err != nil {
		return "", notFound("customer account url", err)
	}
	return url, nil
}
