package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/workflow"
	"github.com/pesio-ai/be-loan-approvals/pkg/errors"
)

// Work-queue pages.
const (
	PageIntake             = "intake"
	PageInitialReview      = "initial_review"
	PageSupervisorApproval = "supervisor_approval"
	PageManagerApproval    = "manager_approval"
	PageCommitteeApproval  = "committee_approval"
	PageDisbursements      = "disbursements"
	PageActiveLoans        = "active_loans"
	PageClosedLoans        = "closed_loans"
	PageRejected           = "rejected"
	// PageUnmapped collects applications whose status belongs to no page.
	PageUnmapped = "unmapped"
)

// Page is one work queue and the statuses it shows.
type Page struct {
	Name     string            `json:"name"`
	Title    string            `json:"title"`
	Statuses []workflow.Status `json:"statuses"`
}

var pageTable = []Page{
	{PageIntake, "Intake", []workflow.Status{workflow.StatusSubmitted, workflow.StatusUnderReview}},
	{PageInitialReview, "Initial Review", []workflow.Status{workflow.StatusPendingInitialReview}},
	{PageSupervisorApproval, "Supervisor Approval", []workflow.Status{workflow.StatusPendingSupervisorApproval}},
	{PageManagerApproval, "Manager Approval", []workflow.Status{workflow.StatusPendingManagerApproval}},
	{PageCommitteeApproval, "Committee Approval", []workflow.Status{workflow.StatusPendingCommitteeReview}},
	{PageDisbursements, "Disbursements", []workflow.Status{
		workflow.StatusApproved,
		workflow.StatusContractGenerated,
		workflow.StatusReadyForDisbursement,
		workflow.StatusDisbursed,
	}},
	{PageActiveLoans, "Active Loans", []workflow.Status{workflow.StatusActive}},
	{PageClosedLoans, "Closed Loans", []workflow.Status{workflow.StatusCompleted}},
	{PageRejected, "Rejected", []workflow.Status{workflow.StatusRejected}},
}

var stageLabels = map[workflow.Status]string{
	workflow.StatusSubmitted:                 "Submitted, awaiting intake",
	workflow.StatusUnderReview:               "Under intake review",
	workflow.StatusPendingInitialReview:      "Awaiting loan officer review",
	workflow.StatusPendingSupervisorApproval: "Awaiting supervisor approval",
	workflow.StatusPendingManagerApproval:    "Awaiting manager approval",
	workflow.StatusPendingCommitteeReview:    "Awaiting credit committee decision",
	workflow.StatusApproved:                  "Approved, awaiting contract",
	workflow.StatusRejected:                  "Rejected",
	workflow.StatusContractGenerated:         "Contract generated",
	workflow.StatusReadyForDisbursement:      "Ready for disbursement",
	workflow.StatusDisbursed:                 "Disbursed",
	workflow.StatusActive:                    "Active loan",
	workflow.StatusCompleted:                 "Loan completed",
}

// StageRouter maps application statuses onto work-queue pages.
type StageRouter struct {
	apps     ApplicationStore
	byStatus map[workflow.Status]string
	byName   map[string]Page
}

// NewStageRouter creates a StageRouter over the static page table.
func NewStageRouter(apps ApplicationStore) *StageRouter {
	r := &StageRouter{
		apps:     apps,
		byStatus: make(map[workflow.Status]string),
		byName:   make(map[string]Page, len(pageTable)),
	}
	for _, p := range pageTable {
		r.byName[p.Name] = p
		for _, s := range p.Statuses {
			r.byStatus[s] = p.Name
		}
	}
	return r
}

// Validate checks that every status maps to exactly one page.
func (r *StageRouter) Validate() error {
	seen := make(map[workflow.Status]string)
	for _, p := range pageTable {
		for _, s := range p.Statuses {
			if prev, dup := seen[s]; dup {
				return errors.Newf(errors.ErrCodeConfiguration, "status %s is on pages %s and %s", s, prev, p.Name)
			}
			seen[s] = p.Name
		}
	}
	for _, s := range workflow.AllStatuses() {
		if _, ok := seen[s]; !ok {
			return errors.Newf(errors.ErrCodeConfiguration, "status %s is on no page", s)
		}
	}
	return nil
}

// Pages returns the page table, including the unmapped page.
func (r *StageRouter) Pages() []Page {
	out := make([]Page, 0, len(pageTable)+1)
	out = append(out, pageTable...)
	return append(out, Page{Name: PageUnmapped, Title: "Unmapped"})
}

// PageForStatus returns the page of status, or PageUnmapped.
func (r *StageRouter) PageForStatus(status workflow.Status) string {
	if p, ok := r.byStatus[status]; ok {
		return p
	}
	return PageUnmapped
}

// ListApplicationsForPage returns applications whose status is on page. The
// unmapped page lists applications whose status is on no page.
func (r *StageRouter) ListApplicationsForPage(ctx context.Context, page string) ([]*repository.LoanApplication, error) {
	if page == PageUnmapped {
		return r.apps.ListExcludingStatuses(ctx, r.mappedStatuses())
	}
	p, ok := r.byName[page]
	if !ok {
		return nil, errors.NotFound("page", page)
	}
	return r.apps.ListByStatuses(ctx, p.Statuses)
}

// ProgressPercent is the display progress of status.
func (r *StageRouter) ProgressPercent(status workflow.Status, committeeRequired bool) int {
	return workflow.ProgressPercent(status, committeeRequired)
}

// DescribeStage renders a page and status as a label for queue views.
func (r *StageRouter) DescribeStage(stage string, status workflow.Status) string {
	label, ok := stageLabels[status]
	if !ok {
		return fmt.Sprintf("Unknown status %q", status)
	}
	p, ok := r.byName[stage]
	if !ok {
		return label
	}
	if r.byStatus[status] != stage {
		return fmt.Sprintf("%s: %s (belongs to %s)", p.Title, label, r.PageForStatus(status))
	}
	return fmt.Sprintf("%s: %s", p.Title, label)
}

func (r *StageRouter) mappedStatuses() []workflow.Status {
	out := make([]workflow.Status, 0, len(r.byStatus))
	for _, p := range pageTable {
		out = append(out, p.Statuses...)
	}
	return out
}
