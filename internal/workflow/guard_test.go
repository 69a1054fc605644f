package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"creditline/internal/config"
	"creditline/internal/domain"
)

func TestDefaultGuards(t *testing.T) {
	g, err := CompileGuards(config.Default().Workflow.Guards)
	require.NoError(t, err)
	require.Contains(t, g.Steps(), domain.StepVerification)

	wf := submitted(t)
	admin := domain.Actor{ID: "adm-1", Role: domain.RoleAdmin}
	verifier := domain.Actor{ID: "ver-1", Role: domain.RoleVerifier}
	developer := domain.Actor{ID: "dev-1", Role: domain.RoleDeveloper}

	require.NoError(t, g.Allow(wf, domain.StepInitialReview, admin))
	require.NoError(t, g.Allow(wf, domain.StepInitialReview, verifier))

	var fe domain.ForbiddenError
	err = g.Allow(wf, domain.StepInitialReview, developer)
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "step.initial-review", fe.Permission)

	require.Error(t, g.Allow(wf, domain.StepVerifierAssignment, verifier))
	require.NoError(t, g.Allow(wf, domain.StepVerification, verifier))

	assigned, err := Assign(wf, domain.StepVerification, "ver-2")
	require.NoError(t, err)
	require.Error(t, g.Allow(assigned, domain.StepVerification, verifier))
	require.NoError(t, g.Allow(assigned, domain.StepVerification, domain.Actor{ID: "ver-2", Role: domain.RoleVerifier}))
}

func TestNilGuardsAllow(t *testing.T) {
	var g *Guards
	require.NoError(t, g.Allow(submitted(t), domain.StepVerification, domain.Actor{}))
}

func TestCompileGuardsErrors(t *testing.T) {
	_, err := CompileGuards(map[string]string{"nope": "true"})
	require.Error(t, err)
	_, err = CompileGuards(map[string]string{domain.StepVerification: `actor.role`})
	require.Error(t, err)
	_, err = CompileGuards(map[string]string{domain.StepVerification: `actor.role ==`})
	require.Error(t, err)
}
