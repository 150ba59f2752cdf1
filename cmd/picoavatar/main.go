// PicoAvatar - voiced, lip-synced replies for a conversational avatar
// License: MIT
//
// Copyright (c) 2026 PicoAvatar contributors

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sipeed/picoavatar/cmd/picoavatar/internal"
	"github.com/sipeed/picoavatar/cmd/picoavatar/internal/doctor"
	"github.com/sipeed/picoavatar/cmd/picoavatar/internal/journal"
	"github.com/sipeed/picoavatar/cmd/picoavatar/internal/serve"
	"github.com/sipeed/picoavatar/cmd/picoavatar/internal/speak"
	"github.com/sipeed/picoavatar/cmd/picoavatar/internal/version"
	"github.com/sipeed/picoavatar/pkg/config"
)

func NewPicoavatarCommand() *cobra.Command {
	var configPath string

	short := fmt.Sprintf("%s picoavatar - Voiced avatar replies v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:           "picoavatar",
		Short:         short,
		Example:       "picoavatar serve",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if configPath == "" {
				return nil
			}
			if strings.TrimSpace(configPath) == "" {
				return fmt.Errorf("--config requires a non-empty path")
			}
			return os.Setenv(config.EnvConfig, configPath)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.json (overrides "+config.EnvConfig+")")

	cmd.AddCommand(
		serve.NewServeCommand(),
		speak.NewSpeakCommand(),
		doctor.NewDoctorCommand(),
		journal.NewJournalCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewPicoavatarCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
