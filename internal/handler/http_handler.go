package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/service"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// ActorHeader identifies the user performing a request.
const ActorHeader = "X-User-ID"

// WorkflowEngine is the approval workflow as seen by the HTTP layer.
type WorkflowEngine interface {
	SubmitApplication(ctx context.Context, applicationID, actorID string, comments *string) (*service.ActionResult, error)
	ProcessApprovalAction(ctx context.Context, applicationID string, action workflow.Action, actorID string, comments *string) (*service.ActionResult, error)
	GetWorkflowState(ctx context.Context, applicationID string) (*service.WorkflowState, error)
	GetHistory(ctx context.Context, applicationID string) ([]*repository.ApprovalHistoryEntry, error)
	ReconcileTierConsistency(ctx context.Context, applicationID, actorID string) (*service.ReconcileResult, error)
	ReconcileAll(ctx context.Context, actorID string) (*service.ReconcileSummary, error)
}

// CommitteeEngine is the committee vote as seen by the HTTP layer.
type CommitteeEngine interface {
	CastVote(ctx context.Context, applicationID, userID string, decision workflow.VoteDecision, comments *string) (*service.Tally, error)
	GetVotingSummary(ctx context.Context, applicationID, userID string) (*service.VotingSummary, error)
	Finalize(ctx context.Context, applicationID, userID string, reason *string) (*service.FinalizeResult, error)
	ListVotes(ctx context.Context, applicationID string) ([]*repository.CommitteeVote, error)
	ListMembers(ctx context.Context) ([]*repository.CommitteeMember, error)
}

// TierAdmin reads and writes the tier catalog.
type TierAdmin interface {
	ListTiers(ctx context.Context, activeOnly bool) ([]*repository.ApprovalTier, error)
	UpsertTiers(ctx context.Context, tiers []*repository.ApprovalTier) error
}

// TierResolver classifies amounts.
type TierResolver interface {
	ResolveTier(ctx context.Context, amount decimal.Decimal, borrowerType string) (*repository.ApprovalTier, error)
}

// PageRouter maps statuses onto work-queue pages.
type PageRouter interface {
	Pages() []service.Page
	PageForStatus(status workflow.Status) string
	ListApplicationsForPage(ctx context.Context, page string) ([]*repository.LoanApplication, error)
	ProgressPercent(status workflow.Status, committeeRequired bool) int
	DescribeStage(stage string, status workflow.Status) string
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	workflow  WorkflowEngine
	committee CommitteeEngine
	tiers     TierAdmin
	resolver  TierResolver
	pages     PageRouter
	db        Pinger
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. db may be nil.
func NewHTTPHandler(
	workflowEngine WorkflowEngine,
	committee CommitteeEngine,
	tiers TierAdmin,
	resolver TierResolver,
	pages PageRouter,
	db Pinger,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		workflow:  workflowEngine,
		committee: committee,
		tiers:     tiers,
		resolver:  resolver,
		pages:     pages,
		db:        db,
		log:       log,
	}
}

// Register mounts the API routes on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tiers", h.ListTiers).Methods(http.MethodGet)
	api.HandleFunc("/tiers", h.UpsertTiers).Methods(http.MethodPost)
	api.HandleFunc("/tiers/resolve", h.ResolveTier).Methods(http.MethodGet)

	api.HandleFunc("/applications/reconcile", h.ReconcileAll).Methods(http.MethodPost)
	api.HandleFunc("/applications/{id}/submit", h.SubmitApplication).Methods(http.MethodPost)
	api.HandleFunc("/applications/{id}/workflow", h.GetWorkflowState).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/actions", h.ProcessAction).Methods(http.MethodPost)
	api.HandleFunc("/applications/{id}/reconcile", h.Reconcile).Methods(http.MethodPost)
	api.HandleFunc("/applications/{id}/history", h.GetHistory).Methods(http.MethodGet)

	api.HandleFunc("/applications/{id}/committee", h.GetVotingSummary).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/committee/votes", h.ListVotes).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id}/committee/votes", h.CastVote).Methods(http.MethodPost)
	api.HandleFunc("/applications/{id}/committee/finalize", h.Finalize).Methods(http.MethodPost)
	api.HandleFunc("/committee/members", h.ListMembers).Methods(http.MethodGet)

	api.HandleFunc("/pages", h.ListPages).Methods(http.MethodGet)
	api.HandleFunc("/pages/{page}/applications", h.ListPageApplications).Methods(http.MethodGet)
}

// Health reports liveness and database reachability.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Tiers ─────────────────────────────────────────────────────────────────────

// ListTiers handles list tiers HTTP requests
func (h *HTTPHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("active", "must be a boolean"))
			return
		}
		activeOnly = parsed
	}

	tiers, err := h.tiers.ListTiers(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, toTierResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": out})
}

// UpsertTiers handles tier catalog updates
func (h *HTTPHandler) UpsertTiers(w http.ResponseWriter, r *http.Request) {
	var req upsertTiersRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	tiers := make([]*repository.ApprovalTier, 0, len(req.Tiers))
	for _, t := range req.Tiers {
		tiers = append(tiers, t.toDomain())
	}
	if err := h.tiers.UpsertTiers(r.Context(), tiers); err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]tierResponse, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, toTierResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiers": out})
}

// ResolveTier handles tier lookups for an amount
func (h *HTTPHandler) ResolveTier(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("amount"))
	if raw == "" {
		h.writeError(w, r, errors.InvalidInput("amount", "amount is required"))
		return
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("amount", "amount must be a decimal number"))
		return
	}
	borrowerType := r.URL.Query().Get("borrower_type")

	tier, err := h.resolver.ResolveTier(r.Context(), amount, borrowerType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{
		Amount:            amount,
		BorrowerType:      borrowerType,
		Tier:              toTierResponse(tier),
		CommitteeRequired: service.CommitteeRequired(tier, amount),
	})
}

// ── Workflow ──────────────────────────────────────────────────────────────────

// SubmitApplication enters an application into the approval ladder
func (h *HTTPHandler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.workflow.SubmitApplication(r.Context(), mux.Vars(r)["id"], actorID, req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResultResponse(result))
}

// GetWorkflowState returns the approval progress of an application
func (h *HTTPHandler) GetWorkflowState(w http.ResponseWriter, r *http.Request) {
	state, err := h.workflow.GetWorkflowState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowStateResponse(state))
}

// ProcessAction handles approve, reject and refer_to_committee
func (h *HTTPHandler) ProcessAction(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req actionRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	action, err := workflow.ParseAction(req.Action)
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("action", err.Error()))
		return
	}

	result, err := h.workflow.ProcessApprovalAction(r.Context(), mux.Vars(r)["id"], action, actorID, req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResultResponse(result))
}

// Reconcile repairs the tier routing of one application
func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.workflow.ReconcileTierConsistency(r.Context(), mux.Vars(r)["id"], actorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(res))
}

// ReconcileAll repairs every application awaiting approval
func (h *HTTPHandler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := h.workflow.ReconcileAll(r.Context(), actorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := reconcileSummaryResponse{
		Checked:   summary.Checked,
		Corrected: summary.Corrected,
		Failed:    summary.Failed,
		Results:   make([]reconcileResponse, 0, len(summary.Results)),
		Failures:  summary.Failures,
	}
	for _, res := range summary.Results {
		resp.Results = append(resp.Results, toReconcileResponse(res))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory returns the approval history of an application
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workflow.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]historyResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

// ── Committee ─────────────────────────────────────────────────────────────────

// GetVotingSummary returns the tally and the caller's voting position
func (h *HTTPHandler) GetVotingSummary(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := h.committee.GetVotingSummary(r.Context(), mux.Vars(r)["id"], actorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListVotes returns the committee votes cast on an application
func (h *HTTPHandler) ListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.committee.ListVotes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]voteResponse, 0, len(votes))
	for _, v := range votes {
		out = append(out, toVoteResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"votes": out})
}

// CastVote records the caller's committee vote
func (h *HTTPHandler) CastVote(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req voteRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	tally, err := h.committee.CastVote(r.Context(), mux.Vars(r)["id"], actorID, workflow.VoteDecision(req.Decision), req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

// Finalize records the chairperson's sign-off
func (h *HTTPHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	actorID, err := actorFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req finalizeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	result, err := h.committee.Finalize(r.Context(), mux.Vars(r)["id"], actorID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		Tally:       result.Tally,
		Application: toActionResultResponse(result.Application),
	})
}

// ListMembers returns the active committee
func (h *HTTPHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.committee.ListMembers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]memberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, toMemberResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

// ── Pages ─────────────────────────────────────────────────────────────────────

// ListPages returns the work-queue pages
func (h *HTTPHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pages": h.pages.Pages()})
}

// ListPageApplications returns the applications queued on a page
func (h *HTTPHandler) ListPageApplications(w http.ResponseWriter, r *http.Request) {
	page := mux.Vars(r)["page"]
	apps, err := h.pages.ListApplicationsForPage(r.Context(), page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]queueItemResponse, 0, len(apps))
	for _, a := range apps {
		out = append(out, queueItemResponse{
			applicationResponse: toApplicationResponse(a),
			Page:                h.pages.PageForStatus(a.ApprovalStatus),
			Stage:               h.pages.DescribeStage(page, a.ApprovalStatus),
			ProgressPercent:     h.pages.ProgressPercent(a.ApprovalStatus, a.CommitteeReviewRequired),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": page, "applications": out})
}

func actorFrom(r *http.Request) (string, error) {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		return "", errors.InvalidInput(ActorHeader, "actor header is required")
	}
	return actor, nil
}
