package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"creditline/internal/config"
	"creditline/internal/contentstore"
	"creditline/internal/domain"
	"creditline/internal/engine/auth"
	"creditline/internal/estimator"
	"creditline/internal/events"
	"creditline/internal/gateway"
	"creditline/internal/identity"
	"creditline/internal/ledger"
	"creditline/internal/repo"
	"creditline/internal/workflow"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Auth      auth.Service
	Guards    *workflow.Guards
	Estimator *estimator.Estimator
	Identity  *identity.Provider
	Reports   *contentstore.Reports
	Ledger    *ledger.Store
	Gateway   *gateway.Gateway
	Logger    *slog.Logger
	Now       func() time.Time

	locks *workflowLocks
}

// New wires the SQL-backed parts of the engine and compiles the configured
// guards and methodologies. Reports, Ledger and Gateway are attached by the
// caller since they depend on external backends.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	guards, err := workflow.CompileGuards(cfg.Workflow.Guards)
	if err != nil {
		return Engine{}, err
	}
	reg, err := estimator.NewRegistry(cfg.Estimator.Methodologies, cfg.Estimator.DefaultMethodology)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Auth:      auth.Service{Config: cfg},
		Guards:    guards,
		Estimator: estimator.New(reg),
		Identity:  identity.New(r),
		Logger:    slog.Default(),
		Now:       time.Now,
		locks:     newWorkflowLocks(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SubmitOptions describes a new monitoring report submission.
type SubmitOptions struct {
	ProjectID    string
	ReportPeriod string
	// Report is the optional raw JSON report stored alongside the workflow.
	Report []byte
}

// SubmitReport creates a workflow with its submission step completed.
func (e Engine) SubmitReport(ctx context.Context, actor domain.Actor, opts SubmitOptions) (domain.ReportWorkflow, error) {
	if err := e.Auth.Require(actor, "workflow.submit"); err != nil {
		return domain.ReportWorkflow{}, err
	}
	wf, err := workflow.New(uuid.NewString(), strings.TrimSpace(opts.ProjectID), strings.TrimSpace(opts.ReportPeriod), e.now())
	if err != nil {
		return domain.ReportWorkflow{}, err
	}
	wf.SubmittedBy = actor.ID
	if len(opts.Report) > 0 {
		ref, err := e.storeReport(ctx, wf, opts.Report)
		if err != nil {
			return domain.ReportWorkflow{}, err
		}
		wf.IPFSHash = &ref
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReportWorkflow{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflowTx(ctx, tx, wf); err != nil {
		return domain.ReportWorkflow{}, err
	}
	payload := events.EventPayload{"report_period": wf.ReportPeriod, "status": wf.Status}
	if wf.IPFSHash != nil {
		payload["ipfs_hash"] = *wf.IPFSHash
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowSubmitted, wf.ProjectID, "workflow", wf.ID, actor.ID, payload); err != nil {
		return domain.ReportWorkflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReportWorkflow{}, err
	}
	return wf, nil
}

func (e Engine) storeReport(ctx context.Context, wf domain.ReportWorkflow, raw []byte) (string, error) {
	if e.Reports == nil {
		return "", errors.New("report storage not configured")
	}
	_, report, err := e.Reports.Canonicalize(raw)
	if err != nil {
		return "", err
	}
	if report.ProjectID != wf.ProjectID {
		return "", domain.Invalidf("report project %s does not match workflow project %s", report.ProjectID, wf.ProjectID)
	}
	if report.ReportPeriod != wf.ReportPeriod {
		return "", domain.Invalidf("report period %q does not match workflow period %q", report.ReportPeriod, wf.ReportPeriod)
	}
	ref, _, err := e.Reports.Put(ctx, raw)
	return ref, err
}

func (e Engine) GetWorkflow(ctx context.Context, actor domain.Actor, id string) (domain.ReportWorkflow, error) {
	if err := e.Auth.Require(actor, "workflow.read"); err != nil {
		return domain.ReportWorkflow{}, err
	}
	return e.Repo.GetWorkflow(ctx, id)
}

func (e Engine) ListWorkflows(ctx context.Context, actor domain.Actor, f repo.WorkflowFilters) ([]domain.ReportWorkflow, error) {
	if err := e.Auth.Require(actor, "workflow.read"); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkflows(ctx, f)
}

// AdvanceOptions selects the step to complete or reject. ExpectedVersion,
// when non-zero, must match the stored workflow version.
type AdvanceOptions struct {
	WorkflowID      string
	StepID          string
	Outcome         workflow.Outcome
	ExpectedVersion int64
}

// AdvanceStep completes or rejects the current step. Completing the
// credit-calculation step mints the net credits of the latest calculation.
// Advances of one workflow are serialized so the mint is submitted at most
// once; the stored version check still guards against other processes.
func (e Engine) AdvanceStep(ctx context.Context, actor domain.Actor, opts AdvanceOptions) (domain.ReportWorkflow, error) {
	if err := e.Auth.Require(actor, "workflow.advance"); err != nil {
		return domain.ReportWorkflow{}, err
	}
	unlock := e.lockWorkflow(opts.WorkflowID)
	defer unlock()

	wf, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID)
	if err != nil {
		return wf, err
	}
	if opts.ExpectedVersion != 0 && opts.ExpectedVersion != wf.Version {
		return wf, fmt.Errorf("%w: workflow %s is at version %d", domain.ErrConflict, wf.ID, wf.Version)
	}
	next, err := workflow.Advance(wf, opts.StepID, opts.Outcome, e.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			e.log().Error("invalid workflow transition", "workflow", wf.ID, "step", opts.StepID, "outcome", opts.Outcome, "current", workflow.CurrentStepID(wf), "err", err)
		}
		return wf, err
	}
	if err := e.Guards.Allow(wf, opts.StepID, actor); err != nil {
		return wf, err
	}

	var minted *domain.Transaction
	if opts.StepID == domain.StepCreditCalculation && opts.Outcome == workflow.OutcomeComplete {
		mtx, err := e.mintCalculation(ctx, wf)
		if err != nil {
			return wf, err
		}
		next.TransactionHash = &mtx.Hash
		minted = &mtx
	}

	saved, err := e.saveAdvance(ctx, actor, opts, wf, next, minted)
	if err != nil {
		if minted != nil {
			e.log().Error("mint submitted but workflow not saved", "workflow", wf.ID, "hash", minted.Hash, "err", err)
		}
		return wf, err
	}
	return saved, nil
}

func (e Engine) mintCalculation(ctx context.Context, wf domain.ReportWorkflow) (domain.Transaction, error) {
	calc, err := e.Repo.LatestCalculationTx(ctx, nil, wf.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Transaction{}, domain.Preconditionf("workflow %s has no credit calculation to mint", wf.ID)
	}
	if err != nil {
		return domain.Transaction{}, err
	}
	if e.Gateway == nil {
		return domain.Transaction{}, errNoLedger
	}
	return e.Gateway.Submit(ctx, gateway.Request{
		Kind:       domain.OperationMint,
		Amount:     calc.NetCredits,
		ProjectID:  wf.ProjectID,
		WorkflowID: wf.ID,
	})
}

func (e Engine) saveAdvance(ctx context.Context, actor domain.Actor, opts AdvanceOptions, wf, next domain.ReportWorkflow, minted *domain.Transaction) (domain.ReportWorkflow, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wf, err
	}
	defer tx.Rollback()

	saved, err := e.Repo.UpdateWorkflowTx(ctx, tx, next, wf.Version)
	if err != nil {
		return wf, err
	}
	evt := events.WorkflowStepAdvanced
	if opts.Outcome == workflow.OutcomeReject {
		evt = events.WorkflowStepRejected
	}
	if err := e.Events.Append(ctx, tx, evt, saved.ProjectID, "workflow", saved.ID, actor.ID, events.EventPayload{
		"step":    opts.StepID,
		"status":  saved.Status,
		"version": saved.Version,
	}); err != nil {
		return wf, err
	}
	if minted != nil {
		if err := e.appendTransaction(ctx, tx, events.TransactionSubmitted, actor.ID, *minted); err != nil {
			return wf, err
		}
	}
	if err := tx.Commit(); err != nil {
		return wf, err
	}
	return saved, nil
}

// AssignStep records the assignee of a pending or in-progress step.
func (e Engine) AssignStep(ctx context.Context, actor domain.Actor, workflowID, stepID, assignee string) (domain.ReportWorkflow, error) {
	if err := e.Auth.Require(actor, "workflow.assign"); err != nil {
		return domain.ReportWorkflow{}, err
	}
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReportWorkflow{}, err
	}
	defer tx.Rollback()

	wf, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return wf, err
	}
	next, err := workflow.Assign(wf, stepID, strings.TrimSpace(assignee))
	if err != nil {
		return wf, err
	}
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	saved, err := e.Repo.UpdateWorkflowTx(ctx, tx, next, wf.Version)
	if err != nil {
		return wf, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowStepAssigned, saved.ProjectID, "workflow", saved.ID, actor.ID, events.EventPayload{
		"step":     stepID,
		"assignee": strings.TrimSpace(assignee),
	}); err != nil {
		return wf, err
	}
	if err := tx.Commit(); err != nil {
		return wf, err
	}
	return saved, nil
}

// AttachReport stores raw as the workflow's monitoring report.
func (e Engine) AttachReport(ctx context.Context, actor domain.Actor, workflowID string, raw []byte) (domain.ReportWorkflow, error) {
	if err := e.Auth.Require(actor, "report.attach"); err != nil {
		return domain.ReportWorkflow{}, err
	}
	unlock := e.lockWorkflow(workflowID)
	defer unlock()

	wf, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return wf, err
	}
	if workflow.IsTerminal(wf) {
		return wf, domain.Transitionf("workflow %s is %s", wf.ID, wf.Status)
	}
	ref, err := e.storeReport(ctx, wf, raw)
	if err != nil {
		return wf, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return wf, err
	}
	defer tx.Rollback()

	next := wf.Clone()
	next.IPFSHash = &ref
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	saved, err := e.Repo.UpdateWorkflowTx(ctx, tx, next, wf.Version)
	if err != nil {
		return wf, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowReportStored, saved.ProjectID, "workflow", saved.ID, actor.ID, events.EventPayload{"ipfs_hash": ref}); err != nil {
		return wf, err
	}
	if err := tx.Commit(); err != nil {
		return wf, err
	}
	return saved, nil
}

// Estimate runs the credit estimator over the workflow's stored report and
// appends the result to its calculation history.
func (e Engine) Estimate(ctx context.Context, actor domain.Actor, workflowID string) (domain.CreditCalculationResult, error) {
	if err := e.Auth.Require(actor, "calculation.run"); err != nil {
		return domain.CreditCalculationResult{}, err
	}
	wf, err := e.Repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return domain.CreditCalculationResult{}, err
	}
	if !workflow.VerificationComplete(wf) {
		return domain.CreditCalculationResult{}, domain.Preconditionf("workflow %s has not completed verification", wf.ID)
	}
	if wf.IPFSHash == nil {
		return domain.CreditCalculationResult{}, domain.Preconditionf("workflow %s has no monitoring report attached", wf.ID)
	}
	if e.Reports == nil {
		return domain.CreditCalculationResult{}, errors.New("report storage not configured")
	}
	report, err := e.Reports.Get(ctx, *wf.IPFSHash)
	if err != nil {
		return domain.CreditCalculationResult{}, fmt.Errorf("load report %s: %w", *wf.IPFSHash, err)
	}
	est := *e.Estimator
	est.Now = e.now
	res, err := est.Estimate(wf, report)
	if err != nil {
		return res, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCalculationTx(ctx, tx, res); err != nil {
		return res, err
	}
	if err := e.Events.Append(ctx, tx, events.CalculationCreated, wf.ProjectID, "calculation", res.ID, actor.ID, events.EventPayload{
		"workflow_id":   wf.ID,
		"gross_credits": res.GrossCredits,
		"net_credits":   res.NetCredits,
		"confidence":    res.Confidence,
		"methodology":   res.Methodology,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// Calculations lists the workflow's calculation history, newest first.
func (e Engine) Calculations(ctx context.Context, actor domain.Actor, workflowID string) ([]domain.CreditCalculationResult, error) {
	if err := e.Auth.Require(actor, "calculation.read"); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.Repo.ListCalculations(ctx, workflowID)
}

// EventLog returns events matching f, newest first.
func (e Engine) EventLog(ctx context.Context, actor domain.Actor, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.Auth.Require(actor, "events.read"); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}
