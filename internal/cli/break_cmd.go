package cli

import (
	"fmt"

	"github.com/alexanderramin/dayplan/internal/cli/formatter"
	"github.com/alexanderramin/dayplan/internal/domain"
	"github.com/alexanderramin/dayplan/internal/service"
	"github.com/spf13/cobra"
)

func newBreakCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "break",
		Short: "Take breaks",
	}

	var kind string
	var duration int
	voice := &cobra.Command{
		Use:   "voice <plan-id>",
		Short: "Start a break now, as a voice request would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.Plans.HandleVoiceBreakRequest(cmd.Context(), app.Actor, service.VoiceBreakRequest{
				DayPlanID:   args[0],
				Kind:        domain.BreakKind(kind),
				DurationMin: duration,
			})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatter.FormatEventResult(res))
			return nil
		},
	}
	voice.Flags().StringVar(&kind, "kind", string(domain.BreakRest), "Break kind: rest or meal")
	voice.Flags().IntVar(&duration, "duration", 0, "Minutes (default from labor rules)")

	cmd.AddCommand(voice)
	return cmd
}
