package doctor

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/sipeed/picoavatar/cmd/picoavatar/internal"
	"github.com/sipeed/picoavatar/pkg/doctor"
)

func NewDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "doctor",
		Aliases: []string{"dr"},
		Short:   "Check configuration, tools and credentials",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			d := doctor.NewDoctor(internal.GetConfigPath(), doctor.WithOutput(cmd.OutOrStdout()))
			d.Run(ctx)
			if !d.IsHealthy() {
				return errors.New("doctor found errors")
			}
			return nil
		},
	}

	return cmd
}
