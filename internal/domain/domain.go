package domain

// StepStatus is the lifecycle state of a single workflow step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in-progress"
	StepCompleted  StepStatus = "completed"
	StepRejected   StepStatus = "rejected"
)

// WorkflowStatus is the coarse projection of a workflow's step states.
type WorkflowStatus string

const (
	WorkflowSubmitted     WorkflowStatus = "submitted"
	WorkflowUnderReview   WorkflowStatus = "under-review"
	WorkflowVerified      WorkflowStatus = "verified"
	WorkflowRejected      WorkflowStatus = "rejected"
	WorkflowCreditsMinted WorkflowStatus = "credits-minted"
)

// Step identifiers, in workflow order.
const (
	StepSubmission         = "submission"
	StepInitialReview      = "initial-review"
	StepVerifierAssignment = "verifier-assignment"
	StepVerification       = "verification"
	StepCreditCalculation  = "credit-calculation"
)

type WorkflowStep struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status" enum:"pending,in-progress,completed,rejected"`
	Assignee    *string    `json:"assignee,omitempty"`
	CompletedAt *string    `json:"completed_at,omitempty" format:"date-time"`
}

type ReportWorkflow struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	ReportPeriod    string         `json:"report_period"`
	SubmittedAt     string         `json:"submitted_at" format:"date-time"`
	SubmittedBy     string         `json:"submitted_by,omitempty"`
	Steps           []WorkflowStep `json:"steps"`
	CurrentStep     int            `json:"current_step"`
	Status          WorkflowStatus `json:"status" enum:"submitted,under-review,verified,rejected,credits-minted"`
	IPFSHash        *string        `json:"ipfs_hash,omitempty"`
	TransactionHash *string        `json:"transaction_hash,omitempty"`
	Version         int64          `json:"version"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

// StepIndex returns the position of stepID, or -1.
func (w ReportWorkflow) StepIndex(stepID string) int {
	for i, s := range w.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Step returns the step with the given id.
func (w ReportWorkflow) Step(stepID string) (WorkflowStep, bool) {
	if i := w.StepIndex(stepID); i >= 0 {
		return w.Steps[i], true
	}
	return WorkflowStep{}, false
}

// Clone returns a deep copy so callers can mutate without aliasing step slices.
func (w ReportWorkflow) Clone() ReportWorkflow {
	out := w
	out.Steps = make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		out.Steps[i] = s
		out.Steps[i].Assignee = clonePtr(s.Assignee)
		out.Steps[i].CompletedAt = clonePtr(s.CompletedAt)
	}
	out.IPFSHash = clonePtr(w.IPFSHash)
	out.TransactionHash = clonePtr(w.TransactionHash)
	return out
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// MonitoringReport is the body of a submitted emissions report.
type MonitoringReport struct {
	ProjectID          string  `json:"project_id"`
	ReportPeriod       string  `json:"report_period"`
	Methodology        string  `json:"methodology"`
	MethodologyVersion string  `json:"methodology_version"`
	BaselineEmissions  float64 `json:"baseline_emissions"`
	ProjectEmissions   float64 `json:"project_emissions"`
	Leakage            float64 `json:"leakage"`
	MonitoringCoverage float64 `json:"monitoring_coverage"`
	EvidenceCount      int     `json:"evidence_count"`
	Notes              string  `json:"notes,omitempty"`
}

type CreditCalculationResult struct {
	ID           string   `json:"id"`
	ReportID     string   `json:"report_id"`
	GrossCredits string   `json:"gross_credits"`
	NetCredits   string   `json:"net_credits"`
	Confidence   int      `json:"confidence" minimum:"0" maximum:"100"`
	Reasoning    []string `json:"reasoning"`
	Methodology  string   `json:"methodology"`
	CalculatedAt string   `json:"calculated_at" format:"date-time"`
}

// OperationKind names a credit intent.
type OperationKind string

const (
	OperationMint  OperationKind = "mint"
	OperationLease OperationKind = "lease"
	OperationBurn  OperationKind = "burn"
)

// TransactionStatus tracks a ledger operation from submission to resolution.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
)

type Transaction struct {
	Hash        string            `json:"hash"`
	Kind        OperationKind     `json:"kind" enum:"mint,lease,burn"`
	Amount      string            `json:"amount"`
	ProjectID   string            `json:"project_id,omitempty"`
	Recipient   string            `json:"recipient,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	Status      TransactionStatus `json:"status" enum:"pending,confirmed,failed"`
	SubmittedAt string            `json:"submitted_at" format:"date-time"`
	ResolvedAt  string            `json:"resolved_at,omitempty" format:"date-time"`
	Error       string            `json:"error,omitempty"`
	// RetriedBy is the hash of the transaction that resubmitted this failed one.
	RetriedBy string `json:"retried_by,omitempty"`
}

type LeasedCredit struct {
	ProjectID  string `json:"project_id"`
	Amount     string `json:"amount"`
	Recipient  string `json:"recipient,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	LeaseDate  string `json:"lease_date" format:"date-time"`
	ExpiryDate string `json:"expiry_date" format:"date-time"`
}

type WalletState struct {
	Address     string `json:"address,omitempty"`
	Balance     string `json:"balance"`
	ChainID     int64  `json:"chain_id"`
	IsConnected bool   `json:"is_connected"`
}

// Role is an identity role recognized by the marketplace.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleVerifier  Role = "verifier"
	RoleBuyer     Role = "buyer"
)

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDeveloper, RoleVerifier, RoleBuyer:
		return true
	}
	return false
}

// Actor identifies who performs an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Profile struct {
	UID          string `json:"uid"`
	Email        string `json:"email"`
	Role         Role   `json:"role" enum:"admin,developer,verifier,buyer"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}
