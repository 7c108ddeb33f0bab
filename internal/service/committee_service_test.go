package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-loan-approvals/internal/client"
	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

// committeeHarness has one application in committee review and a
// five-seat committee chaired by u1.
func committeeHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, scenarioTiers()...)
	h.enterAt(t, "app-1", "20000000", "t-committee", true)
	h.addMember("u1", workflow.MemberChairperson, "1")
	for i := 2; i <= 5; i++ {
		h.addMember(fmt.Sprintf("u%d", i), workflow.MemberRegular, "1")
	}
	return h
}

func TestQuorumRequired(t *testing.T) {
	cases := []struct {
		members  int
		fraction string
		want     int
	}{
		{5, "0.5", 3},
		{4, "0.5", 3},
		{1, "0.5", 1},
		{0, "0.5", 1},
		{3, "0.66", 2},
		{3, "0.67", 3},
		{10, "0.6", 7},
		{10, "0.59", 6},
		{100, "0.333", 34},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, QuorumRequired(tc.members, dec(tc.fraction)), "%d members at %s", tc.members, tc.fraction)
	}
}

func TestCastVoteReachesDecision(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	tally, err := h.committee.CastVote(ctx, "app-1", "u1", workflow.VoteApprove, nil)
	require.NoError(t, err)
	require.Equal(t, 5, tally.TotalMembers)
	require.Equal(t, 3, tally.QuorumRequired)
	require.False(t, tally.QuorumMet)

	_, err = h.committee.CastVote(ctx, "app-1", "u2", workflow.VoteApprove, nil)
	require.NoError(t, err)
	tally, err = h.committee.CastVote(ctx, "app-1", "u3", workflow.VoteReject, strp("thin margins"))
	require.NoError(t, err)

	require.Equal(t, 3, tally.TotalVotesCast)
	require.True(t, tally.QuorumMet)
	require.True(t, tally.ApproveWeight.Equal(dec("2")))
	require.True(t, tally.RejectWeight.Equal(dec("1")))
	require.Equal(t, workflow.DecisionApprove, tally.FinalDecision)
	require.NotNil(t, tally.ResolvedAt)

	_, err = h.committee.CastVote(ctx, "app-1", "u4", workflow.VoteReject, nil)
	require.True(t, errors.Is(err, errors.ErrCodeVotingClosed))
	coded, _ := errors.As(err)
	closed, ok := coded.Details["tally"].(*Tally)
	require.True(t, ok)
	require.True(t, closed.ApproveWeight.Equal(dec("2")))
	require.True(t, closed.RejectWeight.Equal(dec("1")))

	votes, err := h.committee.ListVotes(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, votes, 3)
}

func TestRecastVoteReplacesPrevious(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	_, err := h.committee.CastVote(ctx, "app-1", "u2", workflow.VoteApprove, nil)
	require.NoError(t, err)
	tally, err := h.committee.CastVote(ctx, "app-1", "u2", workflow.VoteApprove, nil)
	require.NoError(t, err)
	require.Equal(t, 1, tally.TotalVotesCast)
	require.True(t, tally.ApproveWeight.Equal(dec("1")))

	tally, err = h.committee.CastVote(ctx, "app-1", "u2", workflow.VoteReject, nil)
	require.NoError(t, err)
	require.Equal(t, 1, tally.TotalVotesCast)
	require.Zero(t, tally.ApproveVotes)
	require.True(t, tally.RejectWeight.Equal(dec("1")))
	require.True(t, tally.ApproveWeight.IsZero())
}

func TestTieStaysPending(t *testing.T) {
	h := newHarness(t, scenarioTiers()...)
	h.enterAt(t, "app-1", "20000000", "t-committee", true)
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		h.addMember(u, workflow.MemberRegular, "1")
	}
	ctx := context.Background()

	_, err := h.committee.CastVote(ctx, "app-1", "u1", workflow.VoteApprove, nil)
	require.NoError(t, err)
	_, err = h.committee.CastVote(ctx, "app-1", "u2", workflow.VoteReject, nil)
	require.NoError(t, err)
	tally, err := h.committee.CastVote(ctx, "app-1", "u3", workflow.VoteAbstain, nil)
	require.NoError(t, err)
	require.True(t, tally.QuorumMet)
	require.Equal(t, 1, tally.AbstainVotes)
	require.Equal(t, workflow.DecisionPending, tally.FinalDecision)
	require.Nil(t, tally.ResolvedAt)

	tally, err = h.committee.CastVote(ctx, "app-1", "u4", workflow.VoteApprove, nil)
	require.NoError(t, err)
	require.Equal(t, workflow.DecisionApprove, tally.FinalDecision)
}

func TestVoteWeightFixedAtCastTime(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	_, err := h.committee.CastVote(ctx, "app-1", "u1", workflow.VoteApprove, nil)
	require.NoError(t, err)

	h.store.mu.Lock()
	h.store.members[0].VotingWeight = dec("10")
	h.store.mu.Unlock()

	tally, err := h.committee.CastVote(ctx, "app-1", "u2", workflow.VoteReject, nil)
	require.NoError(t, err)
	require.True(t, tally.ApproveWeight.Equal(dec("1")), "approve weight %s", tally.ApproveWeight)
	require.True(t, tally.RejectWeight.Equal(dec("1")))

	votes, err := h.committee.ListVotes(ctx, "app-1")
	require.NoError(t, err)
	for _, v := range votes {
		require.True(t, v.Weight.Equal(dec("1")), "member %s", v.MemberID)
	}

	tally, err = h.committee.CastVote(ctx, "app-1", "u1", workflow.VoteApprove, nil)
	require.NoError(t, err)
	require.True(t, tally.ApproveWeight.Equal(dec("10")))
}

func TestWeightedVotes(t *testing.T) {
	h := newHarness(t, scenarioTiers()...)
	h.enterAt(t, "app-1", "20000000", "t-committee", true)
	h.addMember("chair", workflow.MemberChairperson, "3")
	h.addMember("m2", workflow.MemberRegular, "1")
	h.addMember("m3", workflow.MemberRegular, "1")
	ctx := context.Background()

	_, err := h.committee.CastVote(ctx, "app-1", "m2", workflow.VoteReject, nil)
	require.NoError(t, err)
	tally, err := h.committee.CastVote(ctx, "app-1", "chair", workflow.VoteApprove, nil)
	require.NoError(t, err)

	require.Equal(t, 2, tally.QuorumRequired)
	require.Equal(t, 1, tally.ApproveVotes)
	require.Equal(t, 1, tally.RejectVotes)
	require.True(t, tally.ApproveWeight.Equal(dec("3")))
	require.Equal(t, workflow.DecisionApprove, tally.FinalDecision)
}

func TestInactiveMemberVotesIgnored(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	_, err := h.committee.CastVote(ctx, "app-1", "u5", workflow.VoteReject, nil)
	require.NoError(t, err)
	h.store.members[4].Active = false

	_, err = h.committee.CastVote(ctx, "app-1", "u5", workflow.VoteApprove, nil)
	require.True(t, errors.Is(err, errors.ErrCodeNotCommitteeMember))

	var tally *Tally
	for _, u := range []string{"u1", "u2", "u3"} {
		tally, err = h.committee.CastVote(ctx, "app-1", u, workflow.VoteApprove, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 4, tally.TotalMembers)
	require.Equal(t, 3, tally.TotalVotesCast)
	require.True(t, tally.RejectWeight.IsZero())
	require.Equal(t, workflow.DecisionApprove, tally.FinalDecision)
}

func TestCastVoteRejections(t *testing.T) {
	h := committeeHarness(t)
	h.enterAt(t, "app-2", "500000", "t-officer", false)
	ctx := context.Background()

	_, err := h.committee.CastVote(ctx, "app-1", "u1", workflow.VoteDecision("maybe"), nil)
	require.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	_, err = h.committee.CastVote(ctx, "app-1", "outsider", workflow.VoteApprove, nil)
	require.True(t, errors.Is(err, errors.ErrCodeNotCommitteeMember))

	_, err = h.committee.CastVote(ctx, "missing", "u1", workflow.VoteApprove, nil)
	require.True(t, errors.Is(err, errors.ErrCodeNotFound))

	_, err = h.committee.CastVote(ctx, "app-2", "u1", workflow.VoteApprove, nil)
	require.True(t, errors.Is(err, errors.ErrCodeConflict))
	require.Empty(t, h.store.votes)
	require.NotContains(t, h.store.decisions, "app-2")
}

func TestVotingSummary(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	summary, err := h.committee.GetVotingSummary(ctx, "app-1", "u1")
	require.NoError(t, err)
	require.Equal(t, 5, summary.TotalMembers)
	require.Equal(t, 3, summary.QuorumRequired)
	require.Equal(t, 5, summary.VotesRemaining)
	require.True(t, summary.IsMember)
	require.False(t, summary.HasVoted)
	require.True(t, summary.CanVote)
	require.False(t, summary.IsFinalized)

	_, err = h.committee.CastVote(ctx, "app-1", "u1", workflow.VoteApprove, nil)
	require.NoError(t, err)

	summary, err = h.committee.GetVotingSummary(ctx, "app-1", "u1")
	require.NoError(t, err)
	require.True(t, summary.HasVoted)
	require.Equal(t, workflow.VoteApprove, *summary.UserVote)
	require.False(t, summary.CanVote)
	require.Equal(t, 4, summary.VotesRemaining)

	summary, err = h.committee.GetVotingSummary(ctx, "app-1", "outsider")
	require.NoError(t, err)
	require.False(t, summary.IsMember)
	require.False(t, summary.CanVote)
}

func TestFinalizeApproves(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	_, err := h.committee.Finalize(ctx, "app-1", "u1", nil)
	require.True(t, errors.Is(err, errors.ErrCodeDecisionStillPending))

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := h.committee.CastVote(ctx, "app-1", u, workflow.VoteApprove, nil)
		require.NoError(t, err)
	}

	_, err = h.committee.Finalize(ctx, "app-1", "u2", nil)
	require.True(t, errors.Is(err, errors.ErrCodeNotAuthorized))
	_, err = h.committee.Finalize(ctx, "app-1", "outsider", nil)
	require.True(t, errors.Is(err, errors.ErrCodeNotCommitteeMember))

	res, err := h.committee.Finalize(ctx, "app-1", "u1", strp("strong collateral"))
	require.NoError(t, err)
	require.Equal(t, workflow.DecisionApprove, res.Tally.FinalDecision)
	require.Equal(t, "u1", *res.Tally.DecidedBy)
	require.Equal(t, workflow.StatusPendingCommitteeReview, res.Application.StatusBefore)
	require.Equal(t, workflow.StatusApproved, res.Application.StatusAfter)

	require.Equal(t, workflow.StatusApproved, h.app("app-1").ApprovalStatus)
	require.Zero(t, h.pendingCount("app-1"))

	history, err := h.workflow.GetHistory(ctx, "app-1")
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, workflow.ActionApprove, last.Action)
	require.Equal(t, workflow.StatusApproved, last.StatusAfter)
	require.Equal(t, "Committee", *last.TierAtAction)

	_, err = h.committee.Finalize(ctx, "app-1", "u1", nil)
	require.True(t, errors.Is(err, errors.ErrCodeAlreadyDecided))
	require.Equal(t, len(history), h.historyCount("app-1"))

	require.Contains(t, h.events.types(), client.EventCommitteeDecisionFinal)
}

func TestFinalizeRejects(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	for _, u := range []string{"u2", "u3", "u4"} {
		_, err := h.committee.CastVote(ctx, "app-1", u, workflow.VoteReject, nil)
		require.NoError(t, err)
	}

	res, err := h.committee.Finalize(ctx, "app-1", "u1", nil)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusRejected, res.Application.StatusAfter)
	require.Equal(t, workflow.StatusRejected, h.app("app-1").ApprovalStatus)

	assignments, err := memAssignments{h.store}.ListByApplication(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, workflow.AssignmentRejected, assignments[len(assignments)-1].Status)
}

func TestConcurrentVotesResolveOnce(t *testing.T) {
	h := committeeHarness(t)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		ok     atomic.Int32
		closed atomic.Int32
	)
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := h.committee.CastVote(ctx, "app-1", user, workflow.VoteApprove, nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errors.ErrCodeVotingClosed):
				closed.Add(1)
			}
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()

	require.Equal(t, int32(3), ok.Load())
	require.Equal(t, int32(2), closed.Load())

	d, err := memCommittee{h.store}.GetDecision(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, 3, d.TotalVotesCast)
	require.Equal(t, workflow.DecisionApprove, d.FinalDecision)
}

func TestRecountTallyFreezesDecision(t *testing.T) {
	members := []*repository.CommitteeMember{
		{ID: "m1", VotingWeight: decimal.NewFromInt(1), Active: true},
		{ID: "m2", VotingWeight: decimal.NewFromInt(1), Active: true},
		{ID: "m3", VotingWeight: decimal.NewFromInt(1), Active: true},
	}
	votes := []*repository.CommitteeVote{
		{MemberID: "m1", Decision: workflow.VoteReject, Weight: decimal.NewFromInt(1)},
		{MemberID: "m2", Decision: workflow.VoteReject, Weight: decimal.NewFromInt(1)},
	}
	d := &repository.CommitteeDecision{FinalDecision: workflow.DecisionApprove}

	resolved := recountTally(d, members, votes, dec("0.5"), time.Now())
	require.False(t, resolved)
	require.Equal(t, workflow.DecisionApprove, d.FinalDecision)
	require.Equal(t, 2, d.RejectVotes)

	fresh := &repository.CommitteeDecision{FinalDecision: workflow.DecisionPending}
	require.True(t, recountTally(fresh, members, votes, dec("0.5"), time.Now()))
	require.Equal(t, workflow.DecisionReject, fresh.FinalDecision)
}
