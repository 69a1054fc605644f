package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creditline/internal/db"
	"creditline/internal/domain"
	"creditline/internal/ledger"
	"creditline/internal/migrate"
	"creditline/internal/workflow"
)

func openRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.MigrateContext(context.Background(), conn))
	return Repo{DB: conn}
}

var at = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

func insertWorkflow(t *testing.T, r Repo, id, project string) domain.ReportWorkflow {
	t.Helper()
	wf, err := workflow.New(id, project, "Q1 2024", at)
	require.NoError(t, err)
	wf.SubmittedBy = "dev-1"
	require.NoError(t, r.InsertWorkflowTx(context.Background(), nil, wf))
	return wf
}

func TestWorkflowRoundTrip(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	wf := insertWorkflow(t, r, "wf-1", "PRJ-001")

	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, wf, got)

	_, err = r.GetWorkflow(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateWorkflowOptimisticLock(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	wf := insertWorkflow(t, r, "wf-1", "PRJ-001")

	next, err := workflow.Advance(wf, domain.StepInitialReview, workflow.OutcomeComplete, at.Add(time.Hour))
	require.NoError(t, err)
	next, err = workflow.Assign(next, domain.StepVerification, "ver-1")
	require.NoError(t, err)
	saved, err := r.UpdateWorkflowTx(ctx, nil, next, wf.Version)
	require.NoError(t, err)
	require.Equal(t, wf.Version+1, saved.Version)

	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Equal(t, saved, got)
	require.Equal(t, domain.WorkflowUnderReview, got.Status)

	_, err = r.UpdateWorkflowTx(ctx, nil, next, wf.Version)
	require.ErrorIs(t, err, domain.ErrConflict)

	ghost := next
	ghost.ID = "ghost"
	_, err = r.UpdateWorkflowTx(ctx, nil, ghost, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListWorkflowsFilters(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	insertWorkflow(t, r, "wf-1", "PRJ-001")
	wf2 := insertWorkflow(t, r, "wf-2", "PRJ-002")
	assigned, err := workflow.Assign(wf2, domain.StepVerification, "ver-9")
	require.NoError(t, err)
	_, err = r.UpdateWorkflowTx(ctx, nil, assigned, wf2.Version)
	require.NoError(t, err)

	all, err := r.ListWorkflows(ctx, WorkflowFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Len(t, all[0].Steps, 5)

	byProject, err := r.ListWorkflows(ctx, WorkflowFilters{ProjectID: "PRJ-001"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)

	byAssignee, err := r.ListWorkflows(ctx, WorkflowFilters{Assignee: "ver-9"})
	require.NoError(t, err)
	require.Len(t, byAssignee, 1)
	require.Equal(t, "wf-2", byAssignee[0].ID)
}

func TestCalculationsNewestFirst(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	insertWorkflow(t, r, "wf-1", "PRJ-001")

	_, err := r.LatestCalculationTx(ctx, nil, "wf-1")
	require.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, r.InsertCalculationTx(ctx, nil, domain.CreditCalculationResult{
			ID: id, ReportID: "wf-1", GrossCredits: "10.00", NetCredits: "8.00", Confidence: 70,
			Reasoning: []string{"because " + id}, Methodology: "VM0007 v1.6.0", CalculatedAt: at.Format(time.RFC3339),
		}))
	}
	list, err := r.ListCalculations(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "c3", list[0].ID)
	require.Equal(t, []string{"because c3"}, list[0].Reasoning)

	latest, err := r.LatestCalculationTx(ctx, nil, "wf-1")
	require.NoError(t, err)
	require.Equal(t, "c3", latest.ID)
}

func TestLedgerPersister(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	_, ok, err := r.LoadLedger(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	p := ledger.Persisted{
		CarbonBalance: "12.5",
		OwnedProjects: []string{"PRJ-001"},
		LeasedCredits: []domain.LeasedCredit{{ProjectID: "PRJ-001", Amount: "2", LeaseDate: "2024-01-01T00:00:00Z", ExpiryDate: "2025-01-01T00:00:00Z"}},
		Completed:     []domain.Transaction{{Hash: "0x1", Kind: domain.OperationMint, Amount: "14.5", Status: domain.TxConfirmed}},
	}
	require.NoError(t, r.SaveLedger(ctx, p))
	require.NoError(t, r.SaveLedger(ctx, p))
	got, ok, err := r.LoadLedger(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p, got)
}

func TestProfilesAndAPIKeys(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	p := domain.Profile{UID: "u1", Email: "a@example.com", Role: domain.RoleAdmin, PasswordHash: "x", CreatedAt: at.Format(time.RFC3339)}
	require.NoError(t, r.InsertProfile(ctx, p))
	dup := p
	dup.UID = "u2"
	require.ErrorIs(t, r.InsertProfile(ctx, dup), domain.ErrConflict)

	got, err := r.ProfileByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, p, got)
	_, err = r.ProfileByUID(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	key := domain.APIKey{ID: "k1", ActorID: "u1", Name: "ci", KeyHash: HashAPIKey("secret"), CreatedAt: at.Format(time.RFC3339)}
	require.NoError(t, r.InsertAPIKey(ctx, nil, key))
	require.Error(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", ActorID: "u1", KeyHash: "h"}))
	found, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret "))
	require.NoError(t, err)
	require.Equal(t, "u1", found.ActorID)
	require.Empty(t, found.LastUsedAt)

	require.NoError(t, r.TouchAPIKey(ctx, "k1", "2024-04-03T00:00:00Z"))
	keys, err := r.ListAPIKeys(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "2024-04-03T00:00:00Z", keys[0].LastUsedAt)

	require.ErrorIs(t, r.DeleteAPIKey(ctx, "k1", "someone-else"), ErrNotFound)
	require.NoError(t, r.DeleteAPIKey(ctx, "k1", "u1"))
	require.ErrorIs(t, r.DeleteAPIKey(ctx, "k1", ""), ErrNotFound)
}

func TestEventQueries(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	insert := func(typ, project string) {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			at.Format(time.RFC3339), typ, sql.NullString{String: project, Valid: project != ""}, "workflow", "wf-1", "system", "{}")
		require.NoError(t, err)
	}
	insert("workflow.submitted", "PRJ-001")
	insert("ledger.reset", "")
	insert("workflow.step.completed", "PRJ-001")

	latest, err := r.LatestEvents(ctx, EventFilters{ProjectID: "PRJ-001"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, "workflow.step.completed", latest[0].Type)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, "", after[0].ProjectID)

	id, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, latest[0].ID, id)
}
