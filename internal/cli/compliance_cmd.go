package cli

import (
	"fmt"

	"github.com/alexanderramin/dayplan/internal/cli/formatter"
	"github.com/alexanderramin/dayplan/internal/compliance"
	"github.com/spf13/cobra"
)

func newComplianceCmd(app *App) *cobra.Command {
	var evaluate bool

	cmd := &cobra.Command{
		Use:   "compliance <plan-id>",
		Short: "Show break compliance for a day plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := app.Plans.GetBreakCompliance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var state compliance.State
			if evaluate {
				if app.Compliance == nil {
					return fmt.Errorf("compliance monitor is not configured")
				}
				st, err := app.Compliance.Evaluate(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				state = st.State
			}

			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatCompliance(args[0], report, state))
			return nil
		},
	}

	cmd.Flags().BoolVar(&evaluate, "evaluate", false, "Run the monitor and send any due notifications")

	return cmd
}
