package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key bound to an actor and a workflow role.
func (r Repo) InsertAPIKey(ctx context.Context, id, actorID, role, name, keyHash string) error {
	if id == "" {
		return errors.New("id required")
	}
	if actorID == "" {
		return errors.New("actor_id required")
	}
	if role == "" {
		return errors.New("role required")
	}
	if keyHash == "" {
		return errors.New("key_hash required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,role,name,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		id, actorID, role, nullable(name), keyHash, now)
	return err
}

// LookupAPIKey resolves a raw key to its actor and role.
func (r Repo) LookupAPIKey(ctx context.Context, rawKey string) (actorID, role string, err error) {
	row := r.DB.QueryRowContext(ctx, `SELECT actor_id, role FROM api_keys WHERE key_hash=?`, HashAPIKey(rawKey))
	err = row.Scan(&actorID, &role)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return actorID, role, err
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
