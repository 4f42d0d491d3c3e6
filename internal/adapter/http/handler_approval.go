package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fixora/sagacore/internal/domain"
)

// ApprovalDecider lists and decides approval gates.
type ApprovalDecider interface {
	ListPending(ctx context.Context, tenantID string) ([]*domain.ApprovalGate, error)
	Get(ctx context.Context, id string) (*domain.ApprovalGate, error)
	Decide(ctx context.Context, gateID string, decision domain.Decision, approver domain.Approver) (*domain.ApprovalGate, error)
}

// ApprovalHandler serves approval gates to human approvers.
type ApprovalHandler struct {
	approvals ApprovalDecider
}

func NewApprovalHandler(approvals ApprovalDecider) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals}
}

// RegisterRoutes registers approval routes on a subrouter already guarded by auth.
func (h *ApprovalHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/approvals", h.ListPending).Methods("GET")
	router.HandleFunc("/approvals/{id}", h.GetApproval).Methods("GET")
	router.HandleFunc("/approvals/{id}/decision", h.Decide).Methods("POST")
}

// ListPending returns open gates, optionally for ?tenant_id=
func (h *ApprovalHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	gates, err := h.approvals.ListPending(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Pending approvals retrieved", gates)
}

func (h *ApprovalHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	gate, err := h.approvals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Approval retrieved", gate)
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// Decide records the caller's decision. Eligibility is checked against the
// roles in the caller's token.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFrom(r.Context())
	if principal == nil {
		unauthorized(w, "User not authenticated")
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	decision, err := domain.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, err)
		return
	}

	// the decision resumes the saga synchronously; a client disconnect must not cut it short
	ctx := context.WithoutCancel(r.Context())
	gate, err := h.approvals.Decide(ctx, mux.Vars(r)["id"], decision, domain.Approver{
		UserID: principal.Subject,
		Roles:  principal.Roles,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	success(w, http.StatusOK, "Decision recorded", gate)
}
