package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"creditline/internal/domain"
)

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at, COALESCE(last_used_at,'')`

// HashAPIKey returns the digest stored for key. Keys are never kept in clear.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(s rowScanner) (domain.APIKey, error) {
	var k domain.APIKey
	err := s.Scan(&k.ID, &k.ActorID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt)
	return k, err
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return domain.Invalidf("api key id required")
	case key.ActorID == "":
		return domain.Invalidf("api key owner required")
	case key.KeyHash == "" || key.CreatedAt == "":
		return domain.Invalidf("api key hash and creation time required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// TouchAPIKey records the last time a key authenticated a request.
func (r Repo) TouchAPIKey(ctx context.Context, id, at string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, at, id)
	return err
}

// ListAPIKeys returns the keys of ownerID, newest first. An empty ownerID
// lists every key.
func (r Repo) ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if ownerID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, ownerID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes key id. When ownerID is set only that owner's key
// matches, so revoking someone else's key reports ErrNotFound.
func (r Repo) DeleteAPIKey(ctx context.Context, id, ownerID string) error {
	if strings.TrimSpace(id) == "" {
		return domain.Invalidf("api key id required")
	}
	query := `DELETE FROM api_keys WHERE id=?`
	args := []any{id}
	if ownerID != "" {
		query += ` AND actor_id=?`
		args = append(args, ownerID)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
