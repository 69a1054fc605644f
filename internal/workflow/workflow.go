// Package workflow holds the report workflow state machine. Functions here are
// pure: they take a workflow value, validate the requested transition and
// return the new value. Persistence and authorization live in the engine.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"creditline/internal/domain"
)

// Outcome is the result applied to a step by Advance.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeReject   Outcome = "reject"
)

type stepTemplate struct {
	id, title, description string
}

var template = []stepTemplate{
	{domain.StepSubmission, "Report Submission", "Monitoring report submitted by the project developer"},
	{domain.StepInitialReview, "Initial Review", "Completeness and eligibility review"},
	{domain.StepVerifierAssignment, "Verifier Assignment", "Accredited verifier assigned to the report"},
	{domain.StepVerification, "Verification", "Independent verification of monitoring data"},
	{domain.StepCreditCalculation, "Credit Calculation", "Credits calculated and minted"},
}

// StepIDs returns the ordered step identifiers.
func StepIDs() []string {
	ids := make([]string, len(template))
	for i, t := range template {
		ids[i] = t.id
	}
	return ids
}

// New creates a workflow with the submission step completed at now.
func New(id, projectID, reportPeriod string, now time.Time) (domain.ReportWorkflow, error) {
	if strings.TrimSpace(projectID) == "" {
		return domain.ReportWorkflow{}, domain.Invalidf("project id is required")
	}
	if strings.TrimSpace(reportPeriod) == "" {
		return domain.ReportWorkflow{}, domain.Invalidf("report period is required")
	}
	if id == "" {
		return domain.ReportWorkflow{}, domain.Invalidf("workflow id is required")
	}
	ts := now.UTC().Format(time.RFC3339)
	steps := make([]domain.WorkflowStep, len(template))
	for i, t := range template {
		steps[i] = domain.WorkflowStep{ID: t.id, Title: t.title, Description: t.description, Status: domain.StepPending}
	}
	steps[0].Status = domain.StepCompleted
	steps[0].CompletedAt = &ts
	wf := domain.ReportWorkflow{
		ID:           id,
		ProjectID:    projectID,
		ReportPeriod: reportPeriod,
		SubmittedAt:  ts,
		Steps:        steps,
		Version:      1,
		UpdatedAt:    ts,
	}
	refresh(&wf)
	return wf, nil
}

// Advance applies outcome to stepID. On error wf is returned unchanged.
func Advance(wf domain.ReportWorkflow, stepID string, outcome Outcome, now time.Time) (domain.ReportWorkflow, error) {
	idx, err := currentIndex(wf, stepID)
	if err != nil {
		return wf, err
	}
	next := wf.Clone()
	ts := now.UTC().Format(time.RFC3339)
	switch outcome {
	case OutcomeComplete:
		next.Steps[idx].Status = domain.StepCompleted
		next.Steps[idx].CompletedAt = &ts
		if idx+1 < len(next.Steps) {
			next.Steps[idx+1].Status = domain.StepInProgress
		}
	case OutcomeReject:
		next.Steps[idx].Status = domain.StepRejected
	default:
		return wf, domain.Invalidf("unknown outcome %q", outcome)
	}
	next.UpdatedAt = ts
	refresh(&next)
	return next, nil
}

// Assign attaches assignee to a pending or in-progress step.
func Assign(wf domain.ReportWorkflow, stepID, assignee string) (domain.ReportWorkflow, error) {
	if strings.TrimSpace(assignee) == "" {
		return wf, domain.Invalidf("assignee is required")
	}
	if wf.Status == domain.WorkflowRejected || wf.Status == domain.WorkflowCreditsMinted {
		return wf, domain.Transitionf("workflow %s is %s", wf.ID, wf.Status)
	}
	idx := wf.StepIndex(stepID)
	if idx < 0 {
		return wf, domain.Invalidf("unknown step %q", stepID)
	}
	switch wf.Steps[idx].Status {
	case domain.StepPending, domain.StepInProgress:
	default:
		return wf, domain.Transitionf("step %s is %s and cannot be assigned", stepID, wf.Steps[idx].Status)
	}
	next := wf.Clone()
	a := assignee
	next.Steps[idx].Assignee = &a
	return next, nil
}

// CurrentStepID returns the step that may be advanced next, or "" when the
// workflow is terminal.
func CurrentStepID(wf domain.ReportWorkflow) string {
	if wf.Status == domain.WorkflowRejected || wf.CurrentStep >= len(wf.Steps) {
		return ""
	}
	return wf.Steps[wf.CurrentStep].ID
}

// IsTerminal reports whether no further step can change.
func IsTerminal(wf domain.ReportWorkflow) bool {
	return wf.Status == domain.WorkflowRejected || wf.Status == domain.WorkflowCreditsMinted
}

// VerificationComplete reports whether the verification step is completed.
func VerificationComplete(wf domain.ReportWorkflow) bool {
	s, ok := wf.Step(domain.StepVerification)
	return ok && s.Status == domain.StepCompleted
}

// DeriveStatus projects step states onto the workflow status.
func DeriveStatus(steps []domain.WorkflowStep) domain.WorkflowStatus {
	completed := 0
	for _, s := range steps {
		if s.Status == domain.StepRejected {
			return domain.WorkflowRejected
		}
		if s.Status == domain.StepCompleted {
			completed++
		}
	}
	switch {
	case completed >= len(template):
		return domain.WorkflowCreditsMinted
	case completed >= 4:
		return domain.WorkflowVerified
	case completed >= 2:
		return domain.WorkflowUnderReview
	default:
		return domain.WorkflowSubmitted
	}
}

// Check verifies the structural invariants of a workflow.
func Check(wf domain.ReportWorkflow) error {
	if len(wf.Steps) != len(template) {
		return fmt.Errorf("workflow %s has %d steps", wf.ID, len(wf.Steps))
	}
	completed, inProgress, rejected := 0, 0, 0
	prefix := true
	for i, s := range wf.Steps {
		if s.ID != template[i].id {
			return fmt.Errorf("step %d is %s, want %s", i, s.ID, template[i].id)
		}
		switch s.Status {
		case domain.StepCompleted:
			if !prefix {
				return fmt.Errorf("step %s completed after an incomplete step", s.ID)
			}
			if s.CompletedAt == nil {
				return fmt.Errorf("step %s completed without timestamp", s.ID)
			}
			completed++
		case domain.StepInProgress:
			inProgress++
			prefix = false
		case domain.StepRejected:
			rejected++
			prefix = false
		default:
			prefix = false
		}
		if s.Status != domain.StepCompleted && s.CompletedAt != nil {
			return fmt.Errorf("step %s has completed_at but is %s", s.ID, s.Status)
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("%d steps in progress", inProgress)
	}
	if rejected > 1 {
		return fmt.Errorf("%d steps rejected", rejected)
	}
	if want := DeriveStatus(wf.Steps); wf.Status != want {
		return fmt.Errorf("status %s, derived %s", wf.Status, want)
	}
	if wf.Status != domain.WorkflowRejected && wf.CurrentStep != completed {
		return fmt.Errorf("current step %d, completed %d", wf.CurrentStep, completed)
	}
	return nil
}

func currentIndex(wf domain.ReportWorkflow, stepID string) (int, error) {
	if wf.Status == domain.WorkflowRejected {
		return -1, domain.Transitionf("workflow %s was rejected", wf.ID)
	}
	if wf.Status == domain.WorkflowCreditsMinted {
		return -1, domain.Transitionf("workflow %s already minted credits", wf.ID)
	}
	idx := wf.StepIndex(stepID)
	if idx < 0 {
		return -1, domain.Transitionf("unknown step %q", stepID)
	}
	if idx != wf.CurrentStep {
		return -1, domain.Transitionf("step %s is not the current step (%s)", stepID, CurrentStepID(wf))
	}
	switch wf.Steps[idx].Status {
	case domain.StepPending, domain.StepInProgress:
		return idx, nil
	}
	return -1, domain.Transitionf("step %s is %s", stepID, wf.Steps[idx].Status)
}

// refresh recomputes the derived fields. currentStep stays at the rejected
// step once the workflow is rejected.
func refresh(wf *domain.ReportWorkflow) {
	wf.Status = DeriveStatus(wf.Steps)
	completed := 0
	for _, s := range wf.Steps {
		if s.Status != domain.StepCompleted {
			break
		}
		completed++
	}
	wf.CurrentStep = completed
}
