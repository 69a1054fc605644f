package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"creditline/internal/domain"
)

type memProfiles map[string]domain.Profile

func (m memProfiles) InsertProfile(_ context.Context, p domain.Profile) error {
	if _, ok := m[p.Email]; ok {
		return domain.ErrConflict
	}
	m[p.Email] = p
	return nil
}

func (m memProfiles) ProfileByEmail(_ context.Context, email string) (domain.Profile, error) {
	p, ok := m[email]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}

func newProvider() *Provider {
	p := New(memProfiles{})
	p.Cost = bcrypt.MinCost
	return p
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	p := newProvider()
	prof, err := p.Register(ctx, "  Verifier@Example.COM ", "correct horse", domain.RoleVerifier)
	require.NoError(t, err)
	require.Equal(t, "verifier@example.com", prof.Email)
	require.NotEqual(t, "correct horse", prof.PasswordHash)

	actor, err := p.Authenticate(ctx, "VERIFIER@example.com", "correct horse")
	require.NoError(t, err)
	require.Equal(t, domain.Actor{ID: prof.UID, Role: domain.RoleVerifier}, actor)
}

func TestAuthenticateFailures(t *testing.T) {
	ctx := context.Background()
	p := newProvider()
	_, err := p.Register(ctx, "dev@example.com", "password1", domain.RoleDeveloper)
	require.NoError(t, err)

	_, err = p.Authenticate(ctx, "dev@example.com", "password2")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
	_, err = p.Authenticate(ctx, "nobody@example.com", "password1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	p := newProvider()
	_, err := p.Register(ctx, "not-an-email", "password1", domain.RoleBuyer)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = p.Register(ctx, "a@b.c", "short", domain.RoleBuyer)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = p.Register(ctx, "a@b.c", "password1", domain.Role("owner"))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = p.Register(ctx, "a@b.c", "password1", domain.RoleBuyer)
	require.NoError(t, err)
	_, err = p.Register(ctx, "A@B.C", "password1", domain.RoleBuyer)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestNormalizeEmailFoldsWidth(t *testing.T) {
	require.Equal(t, "admin@example.com", NormalizeEmail("ａｄｍｉｎ@example.com"))
}
