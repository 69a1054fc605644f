package estimator

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"creditline/internal/config"
	"creditline/internal/domain"
	"creditline/internal/workflow"
)

func newEstimator(t *testing.T) *Estimator {
	t.Helper()
	cfg := config.Default()
	reg, err := NewRegistry(cfg.Estimator.Methodologies, cfg.Estimator.DefaultMethodology)
	require.NoError(t, err)
	e := New(reg)
	e.Now = func() time.Time { return time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC) }
	e.NewID = func() string { return "calc-1" }
	return e
}

func advancedTo(t *testing.T, steps int) domain.ReportWorkflow {
	t.Helper()
	at := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	wf, err := workflow.New("wf-1", "PRJ-001", "Q1 2024", at)
	require.NoError(t, err)
	for _, id := range workflow.StepIDs()[1:steps] {
		wf, err = workflow.Advance(wf, id, workflow.OutcomeComplete, at)
		require.NoError(t, err)
	}
	return wf
}

func sampleReport() domain.MonitoringReport {
	return domain.MonitoringReport{
		ProjectID:          "PRJ-001",
		ReportPeriod:       "Q1 2024",
		Methodology:        "VM0007",
		MethodologyVersion: "1.6.0",
		BaselineEmissions:  1200,
		ProjectEmissions:   300,
		Leakage:            50,
		MonitoringCoverage: 0.96,
		EvidenceCount:      6,
	}
}

func TestEstimateRequiresVerification(t *testing.T) {
	e := newEstimator(t)
	for steps := 1; steps <= 3; steps++ {
		_, err := e.Estimate(advancedTo(t, steps), sampleReport())
		require.ErrorIs(t, err, domain.ErrPreconditionFailed, steps)
	}
	_, err := e.Estimate(advancedTo(t, 4), sampleReport())
	require.NoError(t, err)
}

func TestEstimateValues(t *testing.T) {
	e := newEstimator(t)
	res, err := e.Estimate(advancedTo(t, 4), sampleReport())
	require.NoError(t, err)
	require.Equal(t, "calc-1", res.ID)
	require.Equal(t, "wf-1", res.ReportID)
	require.Equal(t, "850.00", res.GrossCredits)
	require.Equal(t, "680.00", res.NetCredits)
	require.Equal(t, 85, res.Confidence)
	require.Equal(t, "VM0007 v1.6.0 (REDD+ Methodology Framework)", res.Methodology)
	require.Equal(t, "2024-07-01T00:00:00Z", res.CalculatedAt)
	require.Len(t, res.Reasoning, 5)
	require.Contains(t, res.Reasoning[2], "20% of reductions withheld")
}

func TestEstimateScalesLowCoverage(t *testing.T) {
	e := newEstimator(t)
	r := sampleReport()
	r.MonitoringCoverage = 0.45
	res, err := e.Estimate(advancedTo(t, 4), r)
	require.NoError(t, err)
	require.Equal(t, "340.00", res.NetCredits)
	require.Contains(t, res.Reasoning[3], "below 90%")
}

func TestEstimateRejectsBadInput(t *testing.T) {
	e := newEstimator(t)
	wf := advancedTo(t, 4)
	cases := map[string]func(*domain.MonitoringReport){
		"unknown methodology": func(r *domain.MonitoringReport) { r.Methodology = "XYZ" },
		"version outside":     func(r *domain.MonitoringReport) { r.MethodologyVersion = "2.1.0" },
		"bad version":         func(r *domain.MonitoringReport) { r.MethodologyVersion = "one" },
		"missing version":     func(r *domain.MonitoringReport) { r.MethodologyVersion = "" },
		"negative baseline":   func(r *domain.MonitoringReport) { r.BaselineEmissions = -1 },
		"coverage above one":  func(r *domain.MonitoringReport) { r.MonitoringCoverage = 1.2 },
		"other project":       func(r *domain.MonitoringReport) { r.ProjectID = "PRJ-002" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := sampleReport()
			mutate(&r)
			_, err := e.Estimate(wf, r)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestDefaultMethodologyUsedWhenEmpty(t *testing.T) {
	e := newEstimator(t)
	r := sampleReport()
	r.Methodology = ""
	res, err := e.Estimate(advancedTo(t, 4), r)
	require.NoError(t, err)
	require.Contains(t, res.Methodology, "VM0007")
}

func TestNewRegistryRejectsBadConstraint(t *testing.T) {
	_, err := NewRegistry([]config.MethodologyConfig{{Code: "X", Versions: ">>> 1"}}, "")
	require.Error(t, err)
	_, err = NewRegistry([]config.MethodologyConfig{{Code: "X"}}, "Y")
	require.Error(t, err)
}

func TestEstimateBoundsProperty(t *testing.T) {
	e := newEstimator(t)
	wf := advancedTo(t, 4)
	properties := gopter.NewProperties(nil)

	properties.Property("net <= gross and confidence within [0,100]", prop.ForAll(
		func(baseline, project, leakage, coverage float64, evidence int) bool {
			r := sampleReport()
			r.BaselineEmissions = baseline
			r.ProjectEmissions = project
			r.Leakage = leakage
			r.MonitoringCoverage = coverage
			r.EvidenceCount = evidence
			res, err := e.Estimate(wf, r)
			if err != nil {
				return false
			}
			gross := decimal.RequireFromString(res.GrossCredits)
			net := decimal.RequireFromString(res.NetCredits)
			return !net.IsNegative() && net.LessThanOrEqual(gross) &&
				res.Confidence >= 0 && res.Confidence <= 100 && len(res.Reasoning) > 0
		},
		gen.Float64Range(0, 1e6),
		gen.Float64Range(0, 1e6),
		gen.Float64Range(0, 1e5),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
