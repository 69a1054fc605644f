package server

import (
	"encoding/json"

	"creditline/internal/domain"
	"creditline/internal/ledger"
)

// Request payloads

type SubmitReportRequest struct {
	ProjectID    string         `json:"project_id"`
	ReportPeriod string         `json:"report_period"`
	Report       map[string]any `json:"report,omitempty"`
}

type AdvanceStepRequest struct {
	Outcome         string `json:"outcome" enum:"complete,reject"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type AssignStepRequest struct {
	Assignee string `json:"assignee"`
}

type MintRequest struct {
	Amount    string `json:"amount" example:"680.00"`
	ProjectID string `json:"project_id"`
}

type LeaseRequest struct {
	To        string `json:"to"`
	Amount    string `json:"amount"`
	ProjectID string `json:"project_id"`
}

type BurnRequest struct {
	Amount string `json:"amount"`
}

type WalletRequest struct {
	Address     *string `json:"address,omitempty"`
	Balance     *string `json:"balance,omitempty"`
	ChainID     *int64  `json:"chain_id,omitempty"`
	IsConnected *bool   `json:"is_connected,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password" minLength:"8"`
	Role     string `json:"role" enum:"admin,developer,verifier,buyer"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type LoginResponse struct {
	Token     string `json:"token"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type ProfileResponse struct {
	UID       string `json:"uid"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Key        string `json:"key,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty" format:"date-time"`
}

type LedgerResponse struct {
	Wallet        domain.WalletState    `json:"wallet"`
	CarbonBalance string                `json:"carbon_balance"`
	OwnedProjects []string              `json:"owned_projects"`
	LeasedCredits []domain.LeasedCredit `json:"leased_credits"`
	Pending       []domain.Transaction  `json:"pending"`
	Completed     []domain.Transaction  `json:"completed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func profileResponse(p domain.Profile) ProfileResponse {
	return ProfileResponse{UID: p.UID, Email: p.Email, Role: string(p.Role), CreatedAt: p.CreatedAt}
}

func ledgerResponse(s ledger.Snapshot) LedgerResponse {
	return LedgerResponse{
		Wallet:        s.Wallet,
		CarbonBalance: s.CarbonBalance,
		OwnedProjects: nonNilSlice(s.OwnedProjects),
		LeasedCredits: nonNilSlice(s.LeasedCredits),
		Pending:       nonNilSlice(s.Pending),
		Completed:     nonNilSlice(s.Completed),
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
