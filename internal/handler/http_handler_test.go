package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/service"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

type stubWorkflow struct {
	submit  func(id, actor string) (*service.ActionResult, error)
	action  func(id string, action workflow.Action, actor string, comments *string) (*service.ActionResult, error)
	state   func(id string) (*service.WorkflowState, error)
	history []*repository.ApprovalHistoryEntry
}

func (s *stubWorkflow) SubmitApplication(_ context.Context, id, actor string, _ *string) (*service.ActionResult, error) {
	return s.submit(id, actor)
}

func (s *stubWorkflow) ProcessApprovalAction(_ context.Context, id string, action workflow.Action, actor string, comments *string) (*service.ActionResult, error) {
	return s.action(id, action, actor, comments)
}

func (s *stubWorkflow) GetWorkflowState(_ context.Context, id string) (*service.WorkflowState, error) {
	return s.state(id)
}

func (s *stubWorkflow) GetHistory(context.Context, string) ([]*repository.ApprovalHistoryEntry, error) {
	return s.history, nil
}

func (s *stubWorkflow) ReconcileTierConsistency(_ context.Context, id, _ string) (*service.ReconcileResult, error) {
	return &service.ReconcileResult{ApplicationID: id, StatusBefore: workflow.StatusPendingManagerApproval, StatusAfter: workflow.StatusPendingManagerApproval}, nil
}

func (s *stubWorkflow) ReconcileAll(context.Context, string) (*service.ReconcileSummary, error) {
	return &service.ReconcileSummary{Checked: 2, Failures: map[string]string{}}, nil
}

type stubCommittee struct {
	vote func(id, user string, decision workflow.VoteDecision) (*service.Tally, error)
}

func (s *stubCommittee) CastVote(_ context.Context, id, user string, decision workflow.VoteDecision, _ *string) (*service.Tally, error) {
	return s.vote(id, user, decision)
}

func (s *stubCommittee) GetVotingSummary(_ context.Context, id, user string) (*service.VotingSummary, error) {
	return &service.VotingSummary{Tally: service.Tally{ApplicationID: id, TotalMembers: 5, QuorumRequired: 3}, IsMember: user == "u1", CanVote: user == "u1"}, nil
}

func (s *stubCommittee) Finalize(context.Context, string, string, *string) (*service.FinalizeResult, error) {
	return nil, errors.New(errors.ErrCodeDecisionStillPending, "committee has not reached a decision")
}

func (s *stubCommittee) ListVotes(context.Context, string) ([]*repository.CommitteeVote, error) {
	return nil, nil
}

func (s *stubCommittee) ListMembers(context.Context) ([]*repository.CommitteeMember, error) {
	return []*repository.CommitteeMember{{ID: "m1", UserID: "u1", Role: workflow.MemberChairperson, VotingWeight: decimal.NewFromInt(1), Active: true}}, nil
}

type stubTiers struct {
	tiers    []*repository.ApprovalTier
	upserted []*repository.ApprovalTier
}

func (s *stubTiers) ListTiers(context.Context, bool) ([]*repository.ApprovalTier, error) {
	return s.tiers, nil
}

func (s *stubTiers) UpsertTiers(_ context.Context, tiers []*repository.ApprovalTier) error {
	s.upserted = tiers
	return nil
}

func (s *stubTiers) ResolveTier(_ context.Context, amount decimal.Decimal, _ string) (*repository.ApprovalTier, error) {
	if amount.IsNegative() {
		return nil, errors.InvalidInput("amount", "requested amount must not be negative")
	}
	return s.tiers[0], nil
}

type stubApps struct {
	apps []*repository.LoanApplication
}

func (s *stubApps) GetByID(context.Context, string) (*repository.LoanApplication, error) {
	return nil, errors.New(errors.ErrCodeInternal, "unused")
}

func (s *stubApps) GetForUpdate(context.Context, string) (*repository.LoanApplication, error) {
	return nil, errors.New(errors.ErrCodeInternal, "unused")
}

func (s *stubApps) UpdateApprovalState(context.Context, string, repository.ApplicationStatusUpdate) error {
	return errors.New(errors.ErrCodeInternal, "unused")
}

func (s *stubApps) ListByStatuses(_ context.Context, statuses []workflow.Status) ([]*repository.LoanApplication, error) {
	var out []*repository.LoanApplication
	for _, a := range s.apps {
		for _, st := range statuses {
			if a.ApprovalStatus == st {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (s *stubApps) ListExcludingStatuses(context.Context, []workflow.Status) ([]*repository.LoanApplication, error) {
	return nil, nil
}

type failingPinger struct{ err error }

func (p failingPinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, wf *stubWorkflow, committee *stubCommittee, tiers *stubTiers, apps *stubApps) http.Handler {
	t.Helper()
	log := logger.Nop()
	h := NewHTTPHandler(wf, committee, tiers, tiers, service.NewStageRouter(apps), nil, log)
	return NewRouter(h, RouterConfig{CORSOrigins: []string{"*"}, RequestTimeout: time.Second, MetricsPath: "/metrics"}, log)
}

func do(t *testing.T, h http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func officerTier() *repository.ApprovalTier {
	ceiling := decimal.NewFromInt(1000000)
	return &repository.ApprovalTier{
		ID:            "t-officer",
		Name:          "Officer",
		MinAmount:     decimal.Zero,
		MaxAmount:     &ceiling,
		AuthorityRole: workflow.RoleLoanOfficer,
		Active:        true,
	}
}

func TestProcessActionSuccess(t *testing.T) {
	var gotActor string
	var gotAction workflow.Action
	wf := &stubWorkflow{
		action: func(id string, action workflow.Action, actor string, comments *string) (*service.ActionResult, error) {
			gotActor, gotAction = actor, action
			require.Equal(t, "app-1", id)
			require.Equal(t, "insufficient collateral", *comments)
			return &service.ActionResult{
				Success:      true,
				Message:      "Application rejected at Officer",
				StatusBefore: workflow.StatusPendingInitialReview,
				StatusAfter:  workflow.StatusRejected,
			}, nil
		},
	}
	srv := newTestServer(t, wf, &stubCommittee{}, &stubTiers{}, &stubApps{})

	rec := do(t, srv, http.MethodPost, "/api/v1/applications/app-1/actions", "officer-1",
		map[string]any{"action": "reject", "comments": "insufficient collateral"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	require.Equal(t, "officer-1", gotActor)
	require.Equal(t, workflow.ActionReject, gotAction)

	body := decodeBody(t, rec)
	require.Equal(t, "rejected", body["status_after"])
	require.Equal(t, true, body["success"])
}

func TestProcessActionValidation(t *testing.T) {
	wf := &stubWorkflow{
		action: func(string, workflow.Action, string, *string) (*service.ActionResult, error) {
			t.Fatal("service must not be called")
			return nil, nil
		},
	}
	srv := newTestServer(t, wf, &stubCommittee{}, &stubTiers{}, &stubApps{})

	rec := do(t, srv, http.MethodPost, "/api/v1/applications/app-1/actions", "", map[string]any{"action": "approve"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, ActorHeader, decodeBody(t, rec)["field"])

	rec = do(t, srv, http.MethodPost, "/api/v1/applications/app-1/actions", "officer-1", map[string]any{"action": "escalate"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "INVALID_INPUT", body["code"])
	require.Equal(t, "action", body["field"])
	require.Equal(t, "fix_request", body["hint"])
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err       error
		status    int
		hint      string
		retryable bool
	}{
		{errors.New(errors.ErrCodeNoPendingAssignment, "no pending"), http.StatusConflict, "refresh_and_retry", true},
		{errors.NotFound("loan_application", "app-1"), http.StatusNotFound, "", false},
		{errors.New(errors.ErrCodeNotAuthorized, "not assigned"), http.StatusForbidden, "check_permissions", false},
		{errors.New(errors.ErrCodeNoMatchingTier, "no tier"), http.StatusUnprocessableEntity, "contact_admin", false},
		{errors.New(errors.ErrCodeConfiguration, "bad catalog"), http.StatusInternalServerError, "contact_admin", false},
		{errors.Wrap(context.DeadlineExceeded, errors.ErrCodeStorage, "failed to load"), http.StatusServiceUnavailable, "retry_later", true},
	}
	for _, tc := range cases {
		err := tc.err
		wf := &stubWorkflow{
			action: func(string, workflow.Action, string, *string) (*service.ActionResult, error) {
				return nil, err
			},
		}
		srv := newTestServer(t, wf, &stubCommittee{}, &stubTiers{}, &stubApps{})

		rec := do(t, srv, http.MethodPost, "/api/v1/applications/app-1/actions", "officer-1", map[string]any{"action": "approve"})
		require.Equal(t, tc.status, rec.Code, errors.CodeOf(err))
		body := decodeBody(t, rec)
		require.Equal(t, string(errors.CodeOf(err)), body["code"])
		require.Equal(t, tc.retryable, body["retryable"], errors.CodeOf(err))
		if tc.hint != "" {
			require.Equal(t, tc.hint, body["hint"])
		}
	}
}

func TestInternalErrorsHideCause(t *testing.T) {
	wf := &stubWorkflow{
		state: func(string) (*service.WorkflowState, error) {
			return nil, context.Canceled
		},
	}
	srv := newTestServer(t, wf, &stubCommittee{}, &stubTiers{}, &stubApps{})

	rec := do(t, srv, http.MethodGet, "/api/v1/applications/app-1/workflow", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "INTERNAL", body["code"])
	require.Equal(t, "internal error", body["message"])
}

func TestVotingClosedCarriesTally(t *testing.T) {
	committee := &stubCommittee{
		vote: func(id, _ string, _ workflow.VoteDecision) (*service.Tally, error) {
			tally := &service.Tally{ApplicationID: id, TotalVotesCast: 3, FinalDecision: workflow.DecisionApprove}
			return nil, errors.New(errors.ErrCodeVotingClosed, "committee voting is closed").WithDetails("tally", tally)
		},
	}
	srv := newTestServer(t, &stubWorkflow{}, committee, &stubTiers{}, &stubApps{})

	rec := do(t, srv, http.MethodPost, "/api/v1/applications/app-1/committee/votes", "u4", map[string]any{"decision": "reject"})
	require.Equal(t, http.StatusConflict, rec.Code)

	body := decodeBody(t, rec)
	details := body["details"].(map[string]any)
	tally := details["tally"].(map[string]any)
	require.Equal(t, "approve", tally["final_decision"])
	require.EqualValues(t, 3, tally["total_votes_cast"])

	rec = do(t, srv, http.MethodPost, "/api/v1/applications/app-1/committee/votes", "u4", map[string]any{"decision": "maybe"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "decision", decodeBody(t, rec)["field"])
}

func TestFinalizeStillPending(t *testing.T) {
	srv := newTestServer(t, &stubWorkflow{}, &stubCommittee{}, &stubTiers{}, &stubApps{})

	rec := do(t, srv, http.MethodPost, "/api/v1/applications/app-1/committee/finalize", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "wait_for_votes", decodeBody(t, rec)["hint"])
}

func TestVotingSummaryAndMembers(t *testing.T) {
	srv := newTestServer(t, &stubWorkflow{}, &stubCommittee{}, &stubTiers{}, &stubApps{})

	rec := do(t, srv, http.MethodGet, "/api/v1/applications/app-1/committee", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["can_vote"])
	require.EqualValues(t, 3, body["quorum_required"])

	rec = do(t, srv, http.MethodGet, "/api/v1/committee/members", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	members := decodeBody(t, rec)["members"].([]any)
	require.Len(t, members, 1)
	require.Equal(t, "chairperson", members[0].(map[string]any)["role"])
}

func TestResolveTier(t *testing.T) {
	tiers := &stubTiers{tiers: []*repository.ApprovalTier{officerTier()}}
	srv := newTestServer(t, &stubWorkflow{}, &stubCommittee{}, tiers, &stubApps{})

	rec := do(t, srv, http.MethodGet, "/api/v1/tiers/resolve?amount=2500.50&borrower_type=individual", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "2500.5", body["amount"])
	require.Equal(t, false, body["committee_required"])
	require.Equal(t, "t-officer", body["tier"].(map[string]any)["id"])

	rec = do(t, srv, http.MethodGet, "/api/v1/tiers/resolve?amount=-5", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/tiers/resolve?amount=lots", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "amount", decodeBody(t, rec)["field"])
}

func TestUpsertTiers(t *testing.T) {
	tiers := &stubTiers{}
	srv := newTestServer(t, &stubWorkflow{}, &stubCommittee{}, tiers, &stubApps{})

	rec := do(t, srv, http.MethodPost, "/api/v1/tiers", "admin", map[string]any{
		"tiers": []map[string]any{
			{"name": "Officer", "min_amount": "0", "max_amount": "1000000", "authority_role": "loan_officer"},
			{"name": "Committee", "min_amount": "1000000", "authority_role": "committee", "active": false},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, tiers.upserted, 2)
	require.True(t, tiers.upserted[0].Active)
	require.False(t, tiers.upserted[1].Active)
	require.Nil(t, tiers.upserted[1].MaxAmount)

	rec = do(t, srv, http.MethodPost, "/api/v1/tiers", "admin", map[string]any{
		"tiers": []map[string]any{{"name": "Board", "min_amount": "0", "authority_role": "board"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "authority_role", decodeBody(t, rec)["field"])
}

func TestPageApplications(t *testing.T) {
	apps := &stubApps{apps: []*repository.LoanApplication{
		{ID: "a1", RequestedAmount: decimal.NewFromInt(100), ApprovalStatus: workflow.StatusPendingCommitteeReview, CommitteeReviewRequired: true},
		{ID: "a2", RequestedAmount: decimal.NewFromInt(100), ApprovalStatus: workflow.StatusApproved},
	}}
	srv := newTestServer(t, &stubWorkflow{}, &stubCommittee{}, &stubTiers{}, apps)

	rec := do(t, srv, http.MethodGet, "/api/v1/pages/committee_approval/applications", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["applications"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	require.Equal(t, "a1", item["id"])
	require.Equal(t, "committee_approval", item["page"])
	require.EqualValues(t, 80, item["progress_percent"])

	rec = do(t, srv, http.MethodGet, "/api/v1/pages/archive/applications", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/v1/pages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody(t, rec)["pages"].([]any), 10)
}

func TestHealth(t *testing.T) {
	log := logger.Nop()
	h := NewHTTPHandler(&stubWorkflow{}, &stubCommittee{}, &stubTiers{}, &stubTiers{}, service.NewStageRouter(&stubApps{}), failingPinger{err: context.DeadlineExceeded}, log)
	srv := NewRouter(h, RouterConfig{CORSOrigins: []string{"*"}}, log)

	rec := do(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = NewHTTPHandler(&stubWorkflow{}, &stubCommittee{}, &stubTiers{}, &stubTiers{}, service.NewStageRouter(&stubApps{}), failingPinger{}, log)
	srv = NewRouter(h, RouterConfig{CORSOrigins: []string{"*"}}, log)
	rec = do(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestRecoveryAndNotFound(t *testing.T) {
	wf := &stubWorkflow{
		state: func(string) (*service.WorkflowState, error) {
			panic("boom")
		},
	}
	srv := newTestServer(t, wf, &stubCommittee{}, &stubTiers{}, &stubApps{})

	rec := do(t, srv, http.MethodGet, "/api/v1/applications/app-1/workflow", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "INTERNAL", decodeBody(t, rec)["code"])

	rec = do(t, srv, http.MethodGet, "/api/v1/nowhere", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv := newTestServer(t, &stubWorkflow{}, &stubCommittee{}, &stubTiers{}, &stubApps{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pages", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
}
