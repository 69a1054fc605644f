package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"creditline/internal/domain"
)

const reportSchemaURL = "https://creditline.local/schemas/monitoring-report.schema.json"

const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["project_id", "report_period", "methodology_version", "baseline_emissions", "project_emissions", "monitoring_coverage", "evidence_count"],
  "properties": {
    "project_id": {"type": "string", "minLength": 1},
    "report_period": {"type": "string", "minLength": 1},
    "methodology": {"type": "string"},
    "methodology_version": {"type": "string", "minLength": 1},
    "baseline_emissions": {"type": "number", "minimum": 0},
    "project_emissions": {"type": "number", "minimum": 0},
    "leakage": {"type": "number", "minimum": 0},
    "monitoring_coverage": {"type": "number", "minimum": 0, "maximum": 1},
    "evidence_count": {"type": "integer", "minimum": 0},
    "notes": {"type": "string"}
  }
}`

// Reports validates monitoring reports and stores their canonical form.
type Reports struct {
	store  Store
	schema *jsonschema.Schema
}

func NewReports(store Store) (*Reports, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(reportSchemaURL, strings.NewReader(reportSchema)); err != nil {
		return nil, fmt.Errorf("report schema load: %w", err)
	}
	schema, err := c.Compile(reportSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("report schema compile: %w", err)
	}
	return &Reports{store: store, schema: schema}, nil
}

// Canonicalize validates raw against the report schema and returns its JCS
// form along with the decoded report.
func (r *Reports) Canonicalize(raw []byte) ([]byte, domain.MonitoringReport, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, domain.MonitoringReport{}, domain.Invalidf("report is not valid json: %v", err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return nil, domain.MonitoringReport{}, domain.Invalidf("report: %v", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, domain.MonitoringReport{}, domain.Invalidf("canonicalize report: %v", err)
	}
	var report domain.MonitoringReport
	if err := json.Unmarshal(canon, &report); err != nil {
		return nil, domain.MonitoringReport{}, domain.Invalidf("decode report: %v", err)
	}
	return canon, report, nil
}

// Put stores the canonical report and returns its content reference.
// Reports differing only in key order or whitespace share a reference.
func (r *Reports) Put(ctx context.Context, raw []byte) (string, domain.MonitoringReport, error) {
	canon, report, err := r.Canonicalize(raw)
	if err != nil {
		return "", domain.MonitoringReport{}, err
	}
	ref, err := r.store.Put(ctx, canon)
	if err != nil {
		return "", domain.MonitoringReport{}, fmt.Errorf("store report: %w", err)
	}
	return ref, report, nil
}

// Get loads and decodes a stored report.
func (r *Reports) Get(ctx context.Context, ref string) (domain.MonitoringReport, error) {
	data, err := r.store.Get(ctx, ref)
	if err != nil {
		return domain.MonitoringReport{}, err
	}
	var report domain.MonitoringReport
	if err := json.Unmarshal(data, &report); err != nil {
		return domain.MonitoringReport{}, fmt.Errorf("decode stored report %s: %w", ref, err)
	}
	return report, nil
}
