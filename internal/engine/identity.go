package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"creditline/internal/domain"
	"creditline/internal/events"
	"creditline/internal/repo"
)

// Register creates a profile. The first profile of a workspace may be
// created without credentials and must be an admin; afterwards the caller
// needs user.create.
func (e Engine) Register(ctx context.Context, actor *domain.Actor, email, password string, role domain.Role) (domain.Profile, error) {
	existing, err := e.Repo.ListProfiles(ctx)
	if err != nil {
		return domain.Profile{}, err
	}
	actorID := "system"
	switch {
	case len(existing) == 0:
		if role != domain.RoleAdmin {
			return domain.Profile{}, domain.Invalidf("the first profile must be an admin")
		}
	case actor == nil:
		return domain.Profile{}, domain.ForbiddenError{Permission: "user.create"}
	default:
		if err := e.Auth.Require(*actor, "user.create"); err != nil {
			return domain.Profile{}, err
		}
		actorID = actor.ID
	}
	p, err := e.Identity.Register(ctx, email, password, role)
	if err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, nil, events.ProfileRegistered, "", "profile", p.UID, actorID, events.EventPayload{"role": p.Role}); err != nil {
		e.log().Warn("record profile registration", "uid", p.UID, "err", err)
	}
	return p, nil
}

// Login authenticates by email and password. Unknown emails and wrong
// passwords both report domain.ErrInvalidCredentials.
func (e Engine) Login(ctx context.Context, email, password string) (domain.Actor, error) {
	a, err := e.Identity.Authenticate(ctx, email, password)
	if errors.Is(err, domain.ErrNotFound) {
		return a, domain.ErrInvalidCredentials
	}
	return a, err
}

func (e Engine) Profile(ctx context.Context, uid string) (domain.Profile, error) {
	return e.Repo.ProfileByUID(ctx, uid)
}

// CreateAPIKey issues a key for the actor. The plaintext key is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor domain.Actor, name string) (string, domain.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "cl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actor.ID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ResolveAPIKey returns the actor owning key.
func (e Engine) ResolveAPIKey(ctx context.Context, key string) (domain.Actor, error) {
	k, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, domain.ErrInvalidCredentials
		}
		return domain.Actor{}, err
	}
	p, err := e.Repo.ProfileByUID(ctx, k.ActorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, domain.ErrInvalidCredentials
		}
		return domain.Actor{}, err
	}
	if err := e.Repo.TouchAPIKey(ctx, k.ID, e.now().UTC().Format(time.RFC3339)); err != nil {
		e.log().Warn("record api key use", "key", k.ID, "err", err)
	}
	return domain.Actor{ID: p.UID, Role: p.Role}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actor domain.Actor) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actor.ID)
}

// DeleteAPIKey removes one of the actor's keys. Admins may remove any key.
func (e Engine) DeleteAPIKey(ctx context.Context, actor domain.Actor, id string) error {
	owner := actor.ID
	if actor.Role == domain.RoleAdmin {
		owner = ""
	}
	return e.Repo.DeleteAPIKey(ctx, id, owner)
}
