package cli

import (
	"context"

	"github.com/alexanderramin/dayplan/internal/compliance"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/repository"
	"github.com/alexanderramin/dayplan/internal/service"
	"github.com/alexanderramin/dayplan/internal/syncq"
	"github.com/spf13/cobra"
)

// SyncAdmin is the sync queue surface exposed on the command line.
type SyncAdmin interface {
	Sync(ctx context.Context) (*syncq.Result, error)
	SetOnline(online bool)
	Pending(ctx context.Context) ([]*repository.OpRecord, error)
	Requeue(ctx context.Context, opID string) error
	Discard(ctx context.Context, opID string) error
	Resolutions(ctx context.Context, entityID string) ([]*domain.ConflictResolution, error)
}

type ComplianceEvaluator interface {
	Evaluate(ctx context.Context, planID string) (*compliance.Status, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Runner interface {
	Run(ctx context.Context) error
}

// App holds everything the commands need. Optional fields may be nil; the
// commands that need them say so.
type App struct {
	Plans      service.DayPlanService
	Sync       SyncAdmin
	Compliance ComplianceEvaluator
	Remote     Pinger
	Worker     Runner
	// Actor is the device's signed-in user. Flags may override it.
	Actor service.Actor
	// HighWaterPct colors the storage gauge.
	HighWaterPct float64
}

// NewRootCmd creates the top-level "dayplan" command and registers all
// subcommands against the provided App.
func NewRootCmd(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "dayplan",
		Short:         "Offline day plans and break compliance for field technicians",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var actorID, role string
	root.PersistentFlags().StringVar(&actorID, "as", "", "Act as this user id")
	root.PersistentFlags().StringVar(&role, "role", "", "Acting role: technician, dispatcher or supervisor")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if actorID != "" {
			app.Actor.ID = actorID
		}
		if role != "" {
			app.Actor.Role = domain.Role(role)
		}
	}

	root.AddCommand(
		newPlanCmd(app),
		newEventCmd(app),
		newBreakCmd(app),
		newComplianceCmd(app),
		newSyncCmd(app),
		newQueueCmd(app),
		newStorageCmd(app),
		newRunCmd(app),
	)

	return root
}
