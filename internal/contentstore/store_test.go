package contentstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"creditline/internal/domain"
)

func TestFileStorePutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ref, "sha256:"))
	again, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, ref, again)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestFileStoreMissingAndMalformed(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	missing := Ref([]byte("never stored"))
	_, err = s.Get(ctx, missing)
	require.ErrorIs(t, err, domain.ErrNotFound)
	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	require.False(t, ok)

	for _, bad := range []string{"", "md5:abc", "sha256:zz", "sha256:abcd"} {
		_, err := s.Get(ctx, bad)
		require.ErrorIs(t, err, domain.ErrInvalidInput, bad)
	}
}

const validReport = `{
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

func TestReportsPutCanonicalizes(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	reports, err := NewReports(fs)
	require.NoError(t, err)

	ref, report, err := reports.Put(ctx, []byte(validReport))
	require.NoError(t, err)
	require.Equal(t, "PRJ-001", report.ProjectID)
	require.Equal(t, 1200.0, report.BaselineEmissions)

	reordered := `{"evidence_count":6,"monitoring_coverage":0.96,"leakage":50,"project_emissions":300,
		"baseline_emissions":1200,"methodology_version":"1.6.0","methodology":"VM0007",
		"report_period":"Q1 2024","project_id":"PRJ-001"}`
	ref2, _, err := reports.Put(ctx, []byte(reordered))
	require.NoError(t, err)
	require.Equal(t, ref, ref2)

	loaded, err := reports.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, report, loaded)
}

func TestReportsRejectInvalid(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	reports, err := NewReports(fs)
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"not json":         `{`,
		"missing project":  strings.Replace(validReport, `"project_id": "PRJ-001",`, "", 1),
		"coverage above 1": strings.Replace(validReport, `0.96`, `1.5`, 1),
		"unknown field":    strings.Replace(validReport, `"evidence_count": 6`, `"evidence_count": 6, "extra": true`, 1),
		"negative":         strings.Replace(validReport, `"leakage": 50`, `"leakage": -1`, 1),
	} {
		_, _, err := reports.Put(context.Background(), []byte(raw))
		require.ErrorIs(t, err, domain.ErrInvalidInput, name)
	}
}
