// Package app assembles repositories and services over one database handle.
// The HTTP server and the loanctl CLI share it.
package app

import (
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-loan-approvals/internal/repository"
	"github.com/pesio-ai/be-loan-approvals/internal/service"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// Options carries the optional collaborators. Nil fields disable the
// corresponding feature.
type Options struct {
	TierCache      service.TierCache
	Events         service.EventPublisher
	QuorumFraction decimal.Decimal
}

// Services is the wired service layer.
type Services struct {
	Catalog   *service.TierCatalog
	Resolver  *service.LevelResolver
	Workflow  *service.WorkflowService
	Committee *service.CommitteeService
	Router    *service.StageRouter
}

// New wires repositories on db into services.
func New(db *database.DB, opts Options, log *logger.Logger) *Services {
	tiers := repository.NewTierRepository(db)
	apps := repository.NewApplicationRepository(db)
	assignments := repository.NewAssignmentRepository(db)
	history := repository.NewHistoryRepository(db)
	committee := repository.NewCommitteeRepository(db)

	catalog := service.NewTierCatalog(tiers, db, opts.TierCache, log.Component("tier_catalog"))
	resolver := service.NewLevelResolver(catalog, log.Component("level_resolver"))
	wf := service.NewWorkflowService(apps, assignments, history, catalog, resolver, db, opts.Events, log.Component("workflow"))

	return &Services{
		Catalog:   catalog,
		Resolver:  resolver,
		Workflow:  wf,
		Committee: service.NewCommitteeService(committee, apps, wf, db, opts.Events, opts.QuorumFraction, log.Component("committee")),
		Router:    service.NewStageRouter(apps),
	}
}
