package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/client"
	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// memStore is an in-memory stand-in for the Postgres repositories. A single
// mutex held for the whole transaction plays the role of row locks, and a
// failed transaction restores the state captured when it began.
type memStore struct {
	mu sync.Mutex

	tiers       map[string]*repository.ApprovalTier
	apps        map[string]*repository.LoanApplication
	assignments []*repository.ApprovalAssignment
	history     []*repository.ApprovalHistoryEntry
	members     []*repository.CommitteeMember
	votes       []*repository.CommitteeVote
	decisions   map[string]*repository.CommitteeDecision

	seq         int
	tierLists   int
	failHistory bool
}

type memTxKey struct{}

func newMemStore() *memStore {
	return &memStore{
		tiers:     make(map[string]*repository.ApprovalTier),
		apps:      make(map[string]*repository.LoanApplication),
		decisions: make(map[string]*repository.CommitteeDecision),
	}
}

func (m *memStore) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		m.restore(saved)
		return err
	}
	return nil
}

func (m *memStore) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *memStore) next(prefix string) (string, time.Time) {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(m.seq) * time.Millisecond)
}

type memSnapshot struct {
	tiers       map[string]*repository.ApprovalTier
	apps        map[string]*repository.LoanApplication
	assignments []*repository.ApprovalAssignment
	history     []*repository.ApprovalHistoryEntry
	members     []*repository.CommitteeMember
	votes       []*repository.CommitteeVote
	decisions   map[string]*repository.CommitteeDecision
}

func (m *memStore) clone() memSnapshot {
	s := memSnapshot{
		tiers:     make(map[string]*repository.ApprovalTier, len(m.tiers)),
		apps:      make(map[string]*repository.LoanApplication, len(m.apps)),
		decisions: make(map[string]*repository.CommitteeDecision, len(m.decisions)),
	}
	for k, v := range m.tiers {
		c := *v
		s.tiers[k] = &c
	}
	for k, v := range m.apps {
		c := *v
		s.apps[k] = &c
	}
	for k, v := range m.decisions {
		c := *v
		s.decisions[k] = &c
	}
	for _, v := range m.assignments {
		c := *v
		s.assignments = append(s.assignments, &c)
	}
	for _, v := range m.history {
		c := *v
		s.history = append(s.history, &c)
	}
	for _, v := range m.members {
		c := *v
		s.members = append(s.members, &c)
	}
	for _, v := range m.votes {
		c := *v
		s.votes = append(s.votes, &c)
	}
	return s
}

func (m *memStore) restore(s memSnapshot) {
	m.tiers, m.apps, m.decisions = s.tiers, s.apps, s.decisions
	m.assignments, m.history, m.members, m.votes = s.assignments, s.history, s.members, s.votes
}

// ── tiers ─────────────────────────────────────────────────────────────────────

func (m *memStore) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalTier, error) {
	defer m.lock(ctx)()
	m.tierLists++
	var out []*repository.ApprovalTier
	for _, t := range m.tiers {
		if activeOnly && !t.Active {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinAmount.LessThan(out[j].MinAmount) })
	return out, nil
}

func (m *memStore) Upsert(ctx context.Context, tier *repository.ApprovalTier) error {
	defer m.lock(ctx)()
	for _, t := range m.tiers {
		if t.Name == tier.Name {
			tier.ID = t.ID
		}
	}
	if tier.ID == "" {
		tier.ID, tier.CreatedAt = m.next("tier")
	}
	c := *tier
	m.tiers[tier.ID] = &c
	return nil
}

// ── applications ──────────────────────────────────────────────────────────────

type memApps struct{ *memStore }

func (m memApps) GetByID(ctx context.Context, id string) (*repository.LoanApplication, error) {
	defer m.lock(ctx)()
	app, ok := m.apps[id]
	if !ok {
		return nil, errors.NotFound("loan_application", id)
	}
	c := *app
	return &c, nil
}

func (m memApps) GetForUpdate(ctx context.Context, id string) (*repository.LoanApplication, error) {
	return m.GetByID(ctx, id)
}

func (m memApps) UpdateApprovalState(ctx context.Context, id string, u repository.ApplicationStatusUpdate) error {
	defer m.lock(ctx)()
	app, ok := m.apps[id]
	if !ok {
		return errors.NotFound("loan_application", id)
	}
	app.ApprovalStatus = u.Status
	app.ApprovalLevel = u.ApprovalLevel
	app.CommitteeReviewRequired = u.CommitteeReviewRequired
	if u.DisbursementMethod != nil {
		app.DisbursementMethod = u.DisbursementMethod
	}
	return nil
}

func (m memApps) ListByStatuses(ctx context.Context, statuses []workflow.Status) ([]*repository.LoanApplication, error) {
	return m.filter(ctx, statuses, true), nil
}

func (m memApps) ListExcludingStatuses(ctx context.Context, statuses []workflow.Status) ([]*repository.LoanApplication, error) {
	return m.filter(ctx, statuses, false), nil
}

func (m memApps) filter(ctx context.Context, statuses []workflow.Status, include bool) []*repository.LoanApplication {
	defer m.lock(ctx)()
	set := make(map[workflow.Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	out := make([]*repository.LoanApplication, 0)
	for _, a := range m.apps {
		if set[a.ApprovalStatus] == include {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ── assignments ───────────────────────────────────────────────────────────────

type memAssignments struct{ *memStore }

func (m memAssignments) Create(ctx context.Context, a *repository.ApprovalAssignment) error {
	defer m.lock(ctx)()
	for _, x := range m.assignments {
		if x.ApplicationID == a.ApplicationID && x.Status == workflow.AssignmentPending {
			return errors.New(errors.ErrCodeConflict, "application already has a pending assignment")
		}
	}
	a.ID, a.CreatedAt = m.next("asg")
	a.UpdatedAt = a.CreatedAt
	c := *a
	m.assignments = append(m.assignments, &c)
	return nil
}

func (m memAssignments) GetPending(ctx context.Context, applicationID string) (*repository.ApprovalAssignment, error) {
	defer m.lock(ctx)()
	for _, x := range m.assignments {
		if x.ApplicationID == applicationID && x.Status == workflow.AssignmentPending {
			c := *x
			return &c, nil
		}
	}
	return nil, nil
}

func (m memAssignments) ListByApplication(ctx context.Context, applicationID string) ([]*repository.ApprovalAssignment, error) {
	defer m.lock(ctx)()
	var out []*repository.ApprovalAssignment
	for _, x := range m.assignments {
		if x.ApplicationID == applicationID {
			c := *x
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m memAssignments) Close(ctx context.Context, id string, status workflow.AssignmentStatus, decidedBy string, comments *string) error {
	defer m.lock(ctx)()
	for _, x := range m.assignments {
		if x.ID == id && x.Status == workflow.AssignmentPending {
			_, now := m.next("close")
			x.Status = status
			x.DecidedBy = &decidedBy
			x.DecidedAt = &now
			if comments != nil {
				x.Comments = comments
			}
			return nil
		}
	}
	return errors.New(errors.ErrCodeNoPendingAssignment, "assignment not found or no longer pending")
}

// ── history ───────────────────────────────────────────────────────────────────

type memHistory struct{ *memStore }

func (m memHistory) Append(ctx context.Context, e *repository.ApprovalHistoryEntry) error {
	defer m.lock(ctx)()
	if m.failHistory {
		return errors.Wrap(fmt.Errorf("disk full"), errors.ErrCodeStorage, "failed to append approval history")
	}
	e.ID, e.Timestamp = m.next("hist")
	c := *e
	m.history = append(m.history, &c)
	return nil
}

func (m memHistory) ListByApplication(ctx context.Context, applicationID string) ([]*repository.ApprovalHistoryEntry, error) {
	defer m.lock(ctx)()
	out := make([]*repository.ApprovalHistoryEntry, 0)
	for _, e := range m.history {
		if e.ApplicationID == applicationID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── committee ─────────────────────────────────────────────────────────────────

type memCommittee struct{ *memStore }

func (m memCommittee) ListMembers(ctx context.Context, activeOnly bool) ([]*repository.CommitteeMember, error) {
	defer m.lock(ctx)()
	out := make([]*repository.CommitteeMember, 0)
	for _, x := range m.members {
		if activeOnly && !x.Active {
			continue
		}
		c := *x
		out = append(out, &c)
	}
	return out, nil
}

func (m memCommittee) GetActiveMemberByUser(ctx context.Context, userID string) (*repository.CommitteeMember, error) {
	defer m.lock(ctx)()
	for _, x := range m.members {
		if x.UserID == userID && x.Active {
			c := *x
			return &c, nil
		}
	}
	return nil, nil
}

func (m memCommittee) UpsertVote(ctx context.Context, v *repository.CommitteeVote) error {
	defer m.lock(ctx)()
	id, now := m.next("vote")
	for _, x := range m.votes {
		if x.ApplicationID == v.ApplicationID && x.MemberID == v.MemberID {
			x.Decision, x.Comments, x.Weight, x.CastAt = v.Decision, v.Comments, v.Weight, now
			v.ID, v.CastAt = x.ID, now
			return nil
		}
	}
	v.ID, v.CastAt = id, now
	c := *v
	m.votes = append(m.votes, &c)
	return nil
}

func (m memCommittee) ListVotes(ctx context.Context, applicationID string) ([]*repository.CommitteeVote, error) {
	defer m.lock(ctx)()
	out := make([]*repository.CommitteeVote, 0)
	for _, x := range m.votes {
		if x.ApplicationID == applicationID {
			c := *x
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m memCommittee) LockDecision(ctx context.Context, applicationID string) (*repository.CommitteeDecision, error) {
	if ctx.Value(memTxKey{}) == nil {
		return nil, errors.New(errors.ErrCodeInternal, "LockDecision requires a transaction")
	}
	d, ok := m.decisions[applicationID]
	if !ok {
		d = &repository.CommitteeDecision{
			ApplicationID: applicationID,
			FinalDecision: workflow.DecisionPending,
			ApproveWeight: decimal.Zero,
			RejectWeight:  decimal.Zero,
			AbstainWeight: decimal.Zero,
		}
		m.decisions[applicationID] = d
	}
	c := *d
	return &c, nil
}

func (m memCommittee) GetDecision(ctx context.Context, applicationID string) (*repository.CommitteeDecision, error) {
	defer m.lock(ctx)()
	d, ok := m.decisions[applicationID]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (m memCommittee) SaveDecision(ctx context.Context, d *repository.CommitteeDecision) error {
	defer m.lock(ctx)()
	if _, ok := m.decisions[d.ApplicationID]; !ok {
		return errors.NotFound("committee_decision", d.ApplicationID)
	}
	c := *d
	m.decisions[d.ApplicationID] = &c
	return nil
}

// ── fixtures ──────────────────────────────────────────────────────────────────

type recordingPublisher struct {
	mu     sync.Mutex
	events []*client.WorkflowEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e *client.WorkflowEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

type harness struct {
	store     *memStore
	catalog   *TierCatalog
	resolver  *LevelResolver
	workflow  *WorkflowService
	committee *CommitteeService
	router    *StageRouter
	events    *recordingPublisher
}

func newHarness(t *testing.T, tiers ...*repository.ApprovalTier) *harness {
	t.Helper()
	store := newMemStore()
	for _, tier := range tiers {
		c := *tier
		store.tiers[c.ID] = &c
	}

	log := logger.Nop()
	events := &recordingPublisher{}
	catalog := NewTierCatalog(store, store, nil, log)
	resolver := NewLevelResolver(catalog, log)
	wf := NewWorkflowService(memApps{store}, memAssignments{store}, memHistory{store}, catalog, resolver, store, events, log)
	committee := NewCommitteeService(memCommittee{store}, memApps{store}, wf, store, events, decimal.RequireFromString("0.5"), log)

	return &harness{
		store:     store,
		catalog:   catalog,
		resolver:  resolver,
		workflow:  wf,
		committee: committee,
		router:    NewStageRouter(memApps{store}),
		events:    events,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d := dec(s)
	return &d
}

func mkTier(id, name, min, max string, role workflow.AuthorityRole, committee bool, threshold string) *repository.ApprovalTier {
	return &repository.ApprovalTier{
		ID:                        id,
		Name:                      name,
		MinAmount:                 dec(min),
		MaxAmount:                 decPtr(max),
		AuthorityRole:             role,
		RequiresCommitteeApproval: committee,
		CommitteeThreshold:        decPtr(threshold),
		Active:                    true,
	}
}

// scenarioTiers is the three-band catalog from the product examples.
func scenarioTiers() []*repository.ApprovalTier {
	return []*repository.ApprovalTier{
		mkTier("t-officer", "Officer", "0", "1000000", workflow.RoleLoanOfficer, false, ""),
		mkTier("t-manager", "Manager", "1000000", "10000000", workflow.RoleManager, true, "5000000"),
		mkTier("t-committee", "Committee", "10000000", "", workflow.RoleCommittee, false, ""),
	}
}

// ladderTiers has one tier per authority role.
func ladderTiers() []*repository.ApprovalTier {
	return []*repository.ApprovalTier{
		mkTier("t-lo", "Loan Officer", "0", "50000", workflow.RoleLoanOfficer, false, ""),
		mkTier("t-so", "Senior Officer", "50000", "200000", workflow.RoleSeniorOfficer, false, ""),
		mkTier("t-mgr", "Manager", "200000", "1000000", workflow.RoleManager, true, "500000"),
		mkTier("t-cc", "Credit Committee", "1000000", "", workflow.RoleCommittee, false, ""),
	}
}

func (h *harness) addApplication(id, amount string, status workflow.Status) {
	h.store.apps[id] = &repository.LoanApplication{
		ID:              id,
		RequestedAmount: dec(amount),
		BorrowerType:    "individual",
		ApprovalStatus:  status,
	}
}

func (h *harness) addMember(userID string, role workflow.MemberRole, weight string) {
	h.store.members = append(h.store.members, &repository.CommitteeMember{
		ID:           "m-" + userID,
		UserID:       userID,
		Role:         role,
		VotingWeight: dec(weight),
		Active:       true,
	})
}

func (h *harness) app(id string) *repository.LoanApplication {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	c := *h.store.apps[id]
	return &c
}

func (h *harness) pendingCount(applicationID string) int {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	n := 0
	for _, a := range h.store.assignments {
		if a.ApplicationID == applicationID && a.Status == workflow.AssignmentPending {
			n++
		}
	}
	return n
}

func (h *harness) historyCount(applicationID string) int {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	n := 0
	for _, e := range h.store.history {
		if e.ApplicationID == applicationID {
			n++
		}
	}
	return n
}

func strp(s string) *string { return &s }
