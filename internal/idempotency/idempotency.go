// Package idempotency memoizes the outcome of state-changing operations so
// at-least-once delivery (network retries, double submits) cannot apply the
// same side effects twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"fieldline/internal/domain"
)

// KeyCollisionError signals that a key was presented with a different
// request hash than the one it was recorded under. Returning the cached
// response would answer the wrong request, so the call is rejected instead.
type KeyCollisionError struct {
	Key string
}

func (e KeyCollisionError) Error() string {
	return fmt.Sprintf("idempotency key %s already recorded for a different request", e.Key)
}

type Store struct {
	DB  *sql.DB
	Now func() time.Time
	TTL time.Duration
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return 24 * time.Hour
}

// DeriveKey is a pure function of its inputs: the same mission, operation
// and parameters always produce the same key. Parameters are serialized
// with encoding/json, which orders map keys deterministically.
func DeriveKey(missionID, operation string, params map[string]any) string {
	sum := sha256.Sum256([]byte(missionID + "|" + operation + "|" + RequestHash(params)))
	return hex.EncodeToString(sum[:])
}

// RequestHash fingerprints the parameter payload alone. Stored next to the
// key as a drift guard against key-derivation bugs.
func RequestHash(params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckResult reports whether a response was already recorded for the key.
type CheckResult struct {
	Cached   bool
	Response string
}

// Check looks the key up. The first call for a fresh key misses; once a
// response is recorded every call hits until the record expires. A hit whose
// stored request hash differs from requestHash is a KeyCollisionError.
func (s Store) Check(ctx context.Context, key, requestHash string) (CheckResult, error) {
	var rec domain.IdempotencyRecord
	err := s.DB.QueryRowContext(ctx,
		`SELECT key,mission_id,operation,request_hash,response_json,created_at,expires_at FROM idempotency_records WHERE key=?`, key).
		Scan(&rec.Key, &rec.MissionID, &rec.Operation, &rec.RequestHash, &rec.ResponseJSON, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return CheckResult{}, nil
	}
	if err != nil {
		return CheckResult{}, err
	}
	expires, err := time.Parse(time.RFC3339, rec.ExpiresAt)
	if err == nil && s.now().After(expires) {
		return CheckResult{}, nil
	}
	if requestHash != "" && rec.RequestHash != requestHash {
		return CheckResult{}, KeyCollisionError{Key: key}
	}
	return CheckResult{Cached: true, Response: rec.ResponseJSON}, nil
}

// Record stores the response against the key. Safe to call through a retry:
// a live record with the same request hash is left untouched, one with a
// different hash is a KeyCollisionError. An expired record the sweep has not
// reached yet counts as absent and is replaced.
func (s Store) Record(ctx context.Context, missionID, operation, key, requestHash, responseJSON string) error {
	return s.record(ctx, s.DB.ExecContext, s.DB.QueryRowContext, missionID, operation, key, requestHash, responseJSON)
}

// RecordTx is Record inside the caller's transaction so the cached response
// commits atomically with the effects it memoizes.
func (s Store) RecordTx(ctx context.Context, tx *sql.Tx, missionID, operation, key, requestHash, responseJSON string) error {
	return s.record(ctx, tx.ExecContext, tx.QueryRowContext, missionID, operation, key, requestHash, responseJSON)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)
type queryRowFunc func(ctx context.Context, query string, args ...any) *sql.Row

func (s Store) record(ctx context.Context, exec execFunc, queryRow queryRowFunc, missionID, operation, key, requestHash, responseJSON string) error {
	now := s.now().UTC()
	var existingHash, expiresAt string
	err := queryRow(ctx, `SELECT request_hash,expires_at FROM idempotency_records WHERE key=?`, key).Scan(&existingHash, &expiresAt)
	switch {
	case err == nil:
		expires, perr := time.Parse(time.RFC3339, expiresAt)
		if perr != nil || !now.After(expires) {
			if existingHash != requestHash {
				return KeyCollisionError{Key: key}
			}
			return nil
		}
		// Dead record: the key is free again.
		if _, err := exec(ctx, `DELETE FROM idempotency_records WHERE key=?`, key); err != nil {
			return err
		}
	case err != sql.ErrNoRows:
		return err
	}
	_, err = exec(ctx, `INSERT INTO idempotency_records(key,mission_id,operation,request_hash,response_json,created_at,expires_at) VALUES (?,?,?,?,?,?,?)`,
		key, missionID, operation, requestHash, responseJSON,
		now.Format(time.RFC3339), now.Add(s.ttl()).Format(time.RFC3339))
	return err
}

// CleanupResult is the outcome of an expiry sweep.
type CleanupResult struct {
	DeletedCount int    `json:"deleted_count"`
	CleanedAt    string `json:"cleaned_at"`
}

// CleanupExpired removes records past their expiry. Idempotent: a second
// sweep with nothing left to delete reports zero and no error.
func (s Store) CleanupExpired(ctx context.Context) (CleanupResult, error) {
	now := s.now().UTC()
	res, err := s.DB.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < ?`, now.Format(time.RFC3339))
	if err != nil {
		return CleanupResult{}, err
	}
	deleted, _ := res.RowsAffected()
	return CleanupResult{DeletedCount: int(deleted), CleanedAt: now.Format(time.RFC3339)}, nil
}

// Size returns the live record count, exposed on the monitoring snapshot.
func (s Store) Size(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM idempotency_records`).Scan(&n)
	return n, err
}
