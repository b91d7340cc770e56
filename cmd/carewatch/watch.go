package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehr/carewatch/internal/tui"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the alarms of a patient or ward in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			token, _ := cmd.Flags().GetString("token")
			patient, _ := cmd.Flags().GetString("patient")
			ward, _ := cmd.Flags().GetString("ward")

			target := tui.Target{Ward: ward}
			if patient != "" {
				id, err := uuid.Parse(patient)
				if err != nil {
					return fmt.Errorf("invalid patient id %q", patient)
				}
				target.PatientID = id
			}
			if token == "" {
				token = os.Getenv("CAREWATCH_TOKEN")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tui.Run(ctx, tui.Config{Server: server, Token: token, Target: target})
		},
	}
	cmd.Flags().String("server", "http://localhost:8000", "carewatch server base URL")
	cmd.Flags().String("token", "", "Bearer token (default $CAREWATCH_TOKEN)")
	cmd.Flags().String("patient", "", "Patient id to follow")
	cmd.Flags().String("ward", "", "Ward to follow")
	return cmd
}
