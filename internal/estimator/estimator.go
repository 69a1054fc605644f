// Package estimator derives credit quantities from verified monitoring reports.
package estimator

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"creditline/internal/domain"
	"creditline/internal/workflow"
)

// Coverage at or above this fraction earns no uncertainty deduction.
var fullCoverage = decimal.NewFromFloat(0.9)

const maxEvidence = 10

type Estimator struct {
	Registry *Registry
	Now      func() time.Time
	NewID    func() string
}

func New(r *Registry) *Estimator {
	return &Estimator{Registry: r}
}

// Estimate computes a new calculation for wf from report. The workflow's
// verification step must be completed. Each call produces a fresh result.
func (e *Estimator) Estimate(wf domain.ReportWorkflow, report domain.MonitoringReport) (domain.CreditCalculationResult, error) {
	if !workflow.VerificationComplete(wf) {
		return domain.CreditCalculationResult{}, domain.Preconditionf("workflow %s has not completed verification", wf.ID)
	}
	if wf.Status == domain.WorkflowRejected {
		return domain.CreditCalculationResult{}, domain.Preconditionf("workflow %s was rejected", wf.ID)
	}
	if err := validateReport(wf, report); err != nil {
		return domain.CreditCalculationResult{}, err
	}
	m, v, err := e.Registry.Resolve(report.Methodology, report.MethodologyVersion)
	if err != nil {
		return domain.CreditCalculationResult{}, err
	}

	baseline := decimal.NewFromFloat(report.BaselineEmissions)
	project := decimal.NewFromFloat(report.ProjectEmissions)
	leakage := decimal.NewFromFloat(report.Leakage)
	gross := baseline.Sub(project).Sub(leakage)
	if gross.IsNegative() {
		gross = decimal.Zero
	}
	gross = gross.Truncate(2)

	coverage := decimal.NewFromFloat(report.MonitoringCoverage)
	factor := decimal.NewFromInt(1)
	if coverage.LessThan(fullCoverage) {
		factor = coverage.Div(fullCoverage)
	}
	net := gross.Mul(decimal.NewFromInt(1).Sub(m.Buffer)).Mul(factor).Truncate(2)

	evidence := report.EvidenceCount
	if evidence > maxEvidence {
		evidence = maxEvidence
	}
	confidence := int(math.Round(report.MonitoringCoverage*70)) + evidence*3
	confidence = max(0, min(100, confidence))

	reasoning := []string{
		fmt.Sprintf("Baseline emissions %s tCO2e, project emissions %s tCO2e, leakage %s tCO2e", baseline, project, leakage),
	}
	if gross.IsZero() {
		reasoning = append(reasoning, "Project and leakage emissions meet or exceed the baseline; no reductions are creditable")
	} else {
		reasoning = append(reasoning, fmt.Sprintf("Gross emission reductions of %s tCO2e", gross))
	}
	reasoning = append(reasoning,
		fmt.Sprintf("%s%% of reductions withheld for the %s buffer pool", m.Buffer.Mul(decimal.NewFromInt(100)), m.Code),
	)
	if factor.LessThan(decimal.NewFromInt(1)) {
		reasoning = append(reasoning, fmt.Sprintf("Monitoring coverage of %s%% is below %s%%; remaining credits scaled by %s",
			coverage.Mul(decimal.NewFromInt(100)).Round(1), fullCoverage.Mul(decimal.NewFromInt(100)), factor.Round(4)))
	} else {
		reasoning = append(reasoning, fmt.Sprintf("Monitoring coverage of %s%% requires no uncertainty deduction", coverage.Mul(decimal.NewFromInt(100)).Round(1)))
	}
	reasoning = append(reasoning, fmt.Sprintf("%d supporting evidence documents reviewed", report.EvidenceCount))

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	newID := uuid.NewString
	if e.NewID != nil {
		newID = e.NewID
	}
	return domain.CreditCalculationResult{
		ID:           newID(),
		ReportID:     wf.ID,
		GrossCredits: gross.StringFixed(2),
		NetCredits:   net.StringFixed(2),
		Confidence:   confidence,
		Reasoning:    reasoning,
		Methodology:  m.Label(v),
		CalculatedAt: now().UTC().Format(time.RFC3339),
	}, nil
}

func validateReport(wf domain.ReportWorkflow, r domain.MonitoringReport) error {
	if r.ProjectID != "" && r.ProjectID != wf.ProjectID {
		return domain.Invalidf("report is for project %s, workflow is for %s", r.ProjectID, wf.ProjectID)
	}
	for name, v := range map[string]float64{
		"baseline_emissions": r.BaselineEmissions,
		"project_emissions":  r.ProjectEmissions,
		"leakage":            r.Leakage,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Invalidf("%s must be a non-negative number", name)
		}
	}
	if r.MonitoringCoverage < 0 || r.MonitoringCoverage > 1 || math.IsNaN(r.MonitoringCoverage) {
		return domain.Invalidf("monitoring_coverage must be within [0,1]")
	}
	if r.EvidenceCount < 0 {
		return domain.Invalidf("evidence_count must not be negative")
	}
	return nil
}
