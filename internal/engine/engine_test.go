package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"creditline/internal/chain"
	"creditline/internal/config"
	"creditline/internal/contentstore"
	"creditline/internal/db"
	"creditline/internal/domain"
	"creditline/internal/engine"
	"creditline/internal/gateway"
	"creditline/internal/ledger"
	"creditline/internal/migrate"
	"creditline/internal/repo"
	"creditline/internal/watcher"
	"creditline/internal/workflow"
)

type testEnv struct {
	Engine  engine.Engine
	Chain   *chain.Simulated
	Watcher *watcher.Watcher
	Ctx     context.Context
}

var (
	admin     = domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}
	developer = domain.Actor{ID: "dev-1", Role: domain.RoleDeveloper}
	verifier  = domain.Actor{ID: "ver-1", Role: domain.RoleVerifier}
	buyer     = domain.Actor{ID: "buyer-1", Role: domain.RoleBuyer}
)

const report = `{
  "project_id": "PRJ-001",
  "report_period": "Q1 2024",
  "methodology": "VM0007",
  "methodology_version": "1.6.0",
  "baseline_emissions": 1200,
  "project_emissions": 300,
  "leakage": 50,
  "monitoring_coverage": 0.96,
  "evidence_count": 6
}`

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC) }
	eng.Now = now
	eng.Identity.Cost = bcrypt.MinCost

	blobs, err := contentstore.NewFileStore(dir + "/blobs")
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	eng.Reports, err = contentstore.NewReports(blobs)
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	sim := chain.NewSimulated(1)
	eng.Ledger = ledger.NewStore(ledger.Options{Persister: eng.Repo, ChainID: 80001, Now: now})
	eng.Gateway = gateway.New(sim, eng.Ledger, gateway.Options{ChainID: 80001, Now: now})
	w := watcher.New(sim, eng.Ledger, watcher.Options{Now: now, Resolved: eng.RecordResolution})
	return testEnv{Engine: eng, Chain: sim, Watcher: w, Ctx: context.Background()}
}

func (env testEnv) submit(t *testing.T) domain.ReportWorkflow {
	t.Helper()
	wf, err := env.Engine.SubmitReport(env.Ctx, developer, engine.SubmitOptions{
		ProjectID:    "PRJ-001",
		ReportPeriod: "Q1 2024",
		Report:       []byte(report),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return wf
}

func (env testEnv) advance(t *testing.T, actor domain.Actor, wfID, step string) domain.ReportWorkflow {
	t.Helper()
	wf, err := env.Engine.AdvanceStep(env.Ctx, actor, engine.AdvanceOptions{WorkflowID: wfID, StepID: step, Outcome: workflow.OutcomeComplete})
	if err != nil {
		t.Fatalf("advance %s: %v", step, err)
	}
	return wf
}

func (env testEnv) verified(t *testing.T) domain.ReportWorkflow {
	t.Helper()
	wf := env.submit(t)
	env.advance(t, verifier, wf.ID, domain.StepInitialReview)
	if _, err := env.Engine.AssignStep(env.Ctx, admin, wf.ID, domain.StepVerification, verifier.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	env.advance(t, admin, wf.ID, domain.StepVerifierAssignment)
	return env.advance(t, verifier, wf.ID, domain.StepVerification)
}

func TestReportToMintedCredits(t *testing.T) {
	env := newTestEnv(t)
	wf := env.submit(t)
	if wf.Status != domain.WorkflowSubmitted || wf.IPFSHash == nil {
		t.Fatalf("unexpected submitted workflow: %+v", wf)
	}

	wf = env.verified(t)
	if wf.Status != domain.WorkflowVerified {
		t.Fatalf("expected verified, got %s", wf.Status)
	}
	calc, err := env.Engine.Estimate(env.Ctx, verifier, wf.ID)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if calc.GrossCredits != "850.00" || calc.NetCredits != "680.00" {
		t.Fatalf("unexpected calculation: %+v", calc)
	}

	wf = env.advance(t, admin, wf.ID, domain.StepCreditCalculation)
	if wf.Status != domain.WorkflowCreditsMinted || wf.TransactionHash == nil {
		t.Fatalf("expected minted workflow with tx hash, got %+v", wf)
	}
	snap, err := env.Engine.LedgerSnapshot(buyer)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].Amount != "680" {
		t.Fatalf("expected one pending mint of 680, got %+v", snap.Pending)
	}

	resolved, err := env.Watcher.Poll(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 1 || resolved[0].Status != domain.TxConfirmed {
		t.Fatalf("expected confirmed mint, got %+v", resolved)
	}
	snap, _ = env.Engine.LedgerSnapshot(buyer)
	if snap.CarbonBalance != "680" {
		t.Fatalf("expected balance 680, got %s", snap.CarbonBalance)
	}

	evts, err := env.Engine.EventLog(env.Ctx, admin, repo.EventFilters{EntityID: *wf.TransactionHash})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != "ledger.transaction.confirmed" {
		t.Fatalf("expected submitted and confirmed events, got %+v", evts)
	}
}

func TestStepAuthorization(t *testing.T) {
	env := newTestEnv(t)
	wf := env.submit(t)
	_, err := env.Engine.AdvanceStep(env.Ctx, developer, engine.AdvanceOptions{WorkflowID: wf.ID, StepID: domain.StepInitialReview, Outcome: workflow.OutcomeComplete})
	var forbidden domain.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden for developer, got %v", err)
	}
	env.advance(t, verifier, wf.ID, domain.StepInitialReview)
	_, err = env.Engine.AdvanceStep(env.Ctx, verifier, engine.AdvanceOptions{WorkflowID: wf.ID, StepID: domain.StepVerifierAssignment, Outcome: workflow.OutcomeComplete})
	if !errors.As(err, &forbidden) || forbidden.Permission != "step.verifier-assignment" {
		t.Fatalf("expected step guard to reject verifier, got %v", err)
	}
}

func TestOutOfOrderAdvanceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	wf := env.submit(t)
	_, err := env.Engine.AdvanceStep(env.Ctx, admin, engine.AdvanceOptions{WorkflowID: wf.ID, StepID: domain.StepVerification, Outcome: workflow.OutcomeComplete})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := env.Engine.GetWorkflow(env.Ctx, admin, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != wf.Version || got.CurrentStep != wf.CurrentStep {
		t.Fatalf("workflow changed after failed transition: %+v", got)
	}
}

func TestRejectAtVerifierAssignment(t *testing.T) {
	env := newTestEnv(t)
	wf := env.submit(t)
	env.advance(t, verifier, wf.ID, domain.StepInitialReview)
	wf, err := env.Engine.AdvanceStep(env.Ctx, admin, engine.AdvanceOptions{WorkflowID: wf.ID, StepID: domain.StepVerifierAssignment, Outcome: workflow.OutcomeReject})
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != domain.WorkflowRejected {
		t.Fatalf("expected rejected, got %s", wf.Status)
	}
	_, err = env.Engine.AdvanceStep(env.Ctx, admin, engine.AdvanceOptions{WorkflowID: wf.ID, StepID: domain.StepVerification, Outcome: workflow.OutcomeComplete})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition after rejection, got %v", err)
	}
}

func TestEstimatePreconditions(t *testing.T) {
	env := newTestEnv(t)
	wf := env.submit(t)
	if _, err := env.Engine.Estimate(env.Ctx, verifier, wf.ID); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure before verification, got %v", err)
	}

	wf = env.verified(t)
	_, err := env.Engine.AdvanceStep(env.Ctx, admin, engine.AdvanceOptions{WorkflowID: wf.ID, StepID: domain.StepCreditCalculation, Outcome: workflow.OutcomeComplete})
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure without calculation, got %v", err)
	}
	if len(env.Engine.Ledger.Pending()) != 0 {
		t.Fatal("no mint expected without a calculation")
	}

	for i := 0; i < 2; i++ {
		if _, err := env.Engine.Estimate(env.Ctx, verifier, wf.ID); err != nil {
			t.Fatal(err)
		}
	}
	history, err := env.Engine.Calculations(env.Ctx, developer, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected two calculations, got %d", len(history))
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	wf := env.submit(t)
	env.advance(t, verifier, wf.ID, domain.StepInitialReview)
	_, err := env.Engine.AdvanceStep(env.Ctx, admin, engine.AdvanceOptions{
		WorkflowID: wf.ID, StepID: domain.StepVerifierAssignment, Outcome: workflow.OutcomeComplete, ExpectedVersion: wf.Version,
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReportMustMatchWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitReport(env.Ctx, developer, engine.SubmitOptions{ProjectID: "PRJ-002", ReportPeriod: "Q1 2024", Report: []byte(report)})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	_, err = env.Engine.SubmitReport(env.Ctx, developer, engine.SubmitOptions{ReportPeriod: "Q1 2024"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty project, got %v", err)
	}
}

func TestLedgerOperationsAndRetry(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Mint(env.Ctx, buyer, "10", "PRJ-001"); err == nil {
		t.Fatal("buyer must not mint")
	}
	if _, err := env.Engine.Lease(env.Ctx, buyer, "", "PRJ-001", "1"); !errors.Is(err, domain.ErrMissingRecipient) {
		t.Fatalf("expected missing recipient, got %v", err)
	}

	env.Chain.FailNext("reverted")
	tx, err := env.Engine.Mint(env.Ctx, admin, "10", "PRJ-001")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Watcher.Poll(env.Ctx); err != nil {
		t.Fatal(err)
	}
	failed, err := env.Engine.Transaction(buyer, tx.Hash)
	if err != nil || failed.Status != domain.TxFailed {
		t.Fatalf("expected failed transaction, got %+v %v", failed, err)
	}
	again, err := env.Engine.RetryTransaction(env.Ctx, admin, tx.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if again.Hash == tx.Hash || again.Status != domain.TxPending {
		t.Fatalf("unexpected retry: %+v", again)
	}
}

func TestConcurrentCalculationCompletionMintsOnce(t *testing.T) {
	env := newTestEnv(t)
	wf := env.verified(t)
	if _, err := env.Engine.Estimate(env.Ctx, verifier, wf.ID); err != nil {
		t.Fatal(err)
	}

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.AdvanceStep(env.Ctx, admin, engine.AdvanceOptions{
				WorkflowID: wf.ID, StepID: domain.StepCreditCalculation, Outcome: workflow.OutcomeComplete,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, domain.ErrInvalidTransition):
			t.Fatalf("unexpected advance error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful advance, got %d", succeeded)
	}
	if pending := env.Engine.Ledger.Pending(); len(pending) != 1 {
		t.Fatalf("expected one pending mint, got %d", len(pending))
	}
	if _, err := env.Watcher.Poll(env.Ctx); err != nil {
		t.Fatal(err)
	}
	snap, _ := env.Engine.LedgerSnapshot(buyer)
	if snap.CarbonBalance != "680" {
		t.Fatalf("expected balance 680, got %s", snap.CarbonBalance)
	}
}

func TestFailedTransactionRetriesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Chain.FailNext("reverted")
	tx, err := env.Engine.Mint(env.Ctx, admin, "10", "PRJ-001")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Watcher.Poll(env.Ctx); err != nil {
		t.Fatal(err)
	}

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.RetryTransaction(env.Ctx, admin, tx.Hash)
		}(i)
	}
	wg.Wait()
	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, domain.ErrPreconditionFailed):
			t.Fatalf("unexpected retry error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one retry, got %d", succeeded)
	}
	if _, err := env.Engine.RetryTransaction(env.Ctx, admin, tx.Hash); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure on repeated retry, got %v", err)
	}

	if _, err := env.Watcher.Poll(env.Ctx); err != nil {
		t.Fatal(err)
	}
	snap, _ := env.Engine.LedgerSnapshot(buyer)
	if snap.CarbonBalance != "10" {
		t.Fatalf("expected balance 10 after one retry, got %s", snap.CarbonBalance)
	}
	failed, _ := env.Engine.Transaction(buyer, tx.Hash)
	if failed.RetriedBy == "" {
		t.Fatalf("expected failed transaction to record its retry: %+v", failed)
	}
}

func TestRetryWorkflowMintFollowsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	wf := env.verified(t)
	if _, err := env.Engine.Estimate(env.Ctx, verifier, wf.ID); err != nil {
		t.Fatal(err)
	}
	env.Chain.FailNext("reverted")
	wf = env.advance(t, admin, wf.ID, domain.StepCreditCalculation)
	first := *wf.TransactionHash
	if _, err := env.Watcher.Poll(env.Ctx); err != nil {
		t.Fatal(err)
	}

	retried, err := env.Engine.RetryTransaction(env.Ctx, admin, first)
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetWorkflow(env.Ctx, admin, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TransactionHash == nil || *got.TransactionHash != retried.Hash {
		t.Fatalf("expected workflow to reference retry %s, got %+v", retried.Hash, got.TransactionHash)
	}
	if _, err := env.Engine.RetryTransaction(env.Ctx, admin, first); !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure for superseded mint, got %v", err)
	}
	if len(env.Engine.Ledger.Pending()) != 1 {
		t.Fatalf("expected only the retried mint pending, got %+v", env.Engine.Ledger.Pending())
	}
}

func TestResetPersistsClearedLedger(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Mint(env.Ctx, admin, "5", "PRJ-001"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Watcher.Poll(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ResetLedger(env.Ctx, buyer); err != nil {
		t.Fatal(err)
	}
	p, ok, err := env.Engine.Repo.LoadLedger(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("load ledger: %v %v", ok, err)
	}
	if p.CarbonBalance != "0" || len(p.Completed) != 0 {
		t.Fatalf("expected cleared ledger, got %+v", p)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Register(env.Ctx, nil, "dev@example.com", "password1", domain.RoleDeveloper); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("first profile must be admin, got %v", err)
	}
	root, err := env.Engine.Register(env.Ctx, nil, "Admin@Example.com", "password1", domain.RoleAdmin)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Register(env.Ctx, nil, "dev@example.com", "password1", domain.RoleDeveloper); err == nil {
		t.Fatal("anonymous registration must fail once an admin exists")
	}
	rootActor := domain.Actor{ID: root.UID, Role: root.Role}
	if _, err := env.Engine.Register(env.Ctx, &rootActor, "dev@example.com", "password1", domain.RoleDeveloper); err != nil {
		t.Fatal(err)
	}

	actor, err := env.Engine.Login(env.Ctx, "admin@example.com", "password1")
	if err != nil || actor.ID != root.UID {
		t.Fatalf("login: %+v %v", actor, err)
	}
	_, wrongPass := env.Engine.Login(env.Ctx, "admin@example.com", "nope-nope")
	_, unknown := env.Engine.Login(env.Ctx, "ghost@example.com", "password1")
	if !errors.Is(wrongPass, domain.ErrInvalidCredentials) || !errors.Is(unknown, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for both, got %v / %v", wrongPass, unknown)
	}

	plain, key, err := env.Engine.CreateAPIKey(env.Ctx, rootActor, "ci")
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := env.Engine.ResolveAPIKey(env.Ctx, plain)
	if err != nil || resolved != rootActor {
		t.Fatalf("resolve api key: %+v %v", resolved, err)
	}
	if err := env.Engine.DeleteAPIKey(env.Ctx, rootActor, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveAPIKey(env.Ctx, plain); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected deleted key to be rejected, got %v", err)
	}
}
