// Package identity authenticates marketplace users by email and password.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"creditline/internal/domain"
)

const minPasswordLen = 8

// Profiles persists identity profiles. ProfileByEmail returns
// domain.ErrNotFound for unknown emails.
type Profiles interface {
	InsertProfile(ctx context.Context, p domain.Profile) error
	ProfileByEmail(ctx context.Context, email string) (domain.Profile, error)
}

type Provider struct {
	Profiles Profiles
	Cost     int
	Now      func() time.Time
}

func New(p Profiles) *Provider {
	return &Provider{Profiles: p, Cost: bcrypt.DefaultCost, Now: time.Now}
}

// NormalizeEmail folds compatibility forms and case so equivalent addresses
// map to one profile.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(email)))
}

// Register creates a profile with a bcrypt password hash.
func (p *Provider) Register(ctx context.Context, email, password string, role domain.Role) (domain.Profile, error) {
	email = NormalizeEmail(email)
	if !strings.Contains(email, "@") {
		return domain.Profile{}, domain.Invalidf("email %q is not valid", email)
	}
	if len(password) < minPasswordLen {
		return domain.Profile{}, domain.Invalidf("password must be at least %d characters", minPasswordLen)
	}
	if !role.Valid() {
		return domain.Profile{}, domain.Invalidf("unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.Cost)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	prof := domain.Profile{
		UID:          uuid.NewString(),
		Email:        email,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    now().UTC().Format(time.RFC3339),
	}
	if err := p.Profiles.InsertProfile(ctx, prof); err != nil {
		return domain.Profile{}, err
	}
	return prof, nil
}

// Authenticate returns the actor for valid credentials. Unknown emails fail
// with domain.ErrNotFound and wrong passwords with domain.ErrInvalidCredentials.
func (p *Provider) Authenticate(ctx context.Context, email, password string) (domain.Actor, error) {
	prof, err := p.Profiles.ProfileByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Actor{}, fmt.Errorf("%w: no profile for %s", domain.ErrNotFound, NormalizeEmail(email))
		}
		return domain.Actor{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(prof.PasswordHash), []byte(password)); err != nil {
		return domain.Actor{}, domain.ErrInvalidCredentials
	}
	return domain.Actor{ID: prof.UID, Role: prof.Role}, nil
}
