package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"creditline/internal/domain"
)

// InsertProfile stores a profile. A duplicate email yields domain.ErrConflict.
func (r Repo) InsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(uid,email,role,password_hash,created_at) VALUES (?,?,?,?,?)`,
		p.UID, p.Email, string(p.Role), p.PasswordHash, p.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: profile %s already exists", domain.ErrConflict, p.Email)
		}
		return err
	}
	return nil
}

func (r Repo) ProfileByEmail(ctx context.Context, email string) (domain.Profile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT uid,email,role,password_hash,created_at FROM profiles WHERE email=?`, email))
}

func (r Repo) ProfileByUID(ctx context.Context, uid string) (domain.Profile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT uid,email,role,password_hash,created_at FROM profiles WHERE uid=?`, uid))
}

func (r Repo) ListProfiles(ctx context.Context) ([]domain.Profile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT uid,email,role,password_hash,created_at FROM profiles ORDER BY created_at, email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	err := row.Scan(&p.UID, &p.Email, &p.Role, &p.PasswordHash, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}
