package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/face-capture/internal/recognition"
)

func newRegisterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register FILE",
		Short: "Register a new person from an image",
		Long: `Normalize an image for registration and enrol it under --name.

Optional attributes are passed through to the backend unchanged.

Examples:
  facectl register --name "Ana Diaz" ana.jpg
  facectl register --name "Ana Diaz" --field document_number=X123 ana.jpg
  facectl register --name "Bo" --guardian-child '{"guardian_name":"Ana"}' bo.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := recognition.Metadata{
				Name:   mustGetString(cmd, "name"),
				Fields: mustGetStringToString(cmd, "field"),
			}
			if raw := mustGetString(cmd, "guardian-child"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &meta.GuardianChild); err != nil {
					return fmt.Errorf("--guardian-child must be a JSON object: %w", err)
				}
			}

			raw, err := readCapture(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}

			img := a.engine(recognition.PurposeRegister).Normalize(raw)
			a.logImage(cmd, img)
			return a.report(cmd.OutOrStdout(), client.Register(cmd.Context(), img, meta, uuid.NewString()))
		},
	}
	cmd.Flags().String("name", "", "Full name of the person (required)")
	cmd.Flags().StringToString("field", nil, "Optional attribute as key=value, repeatable")
	cmd.Flags().String("guardian-child", "", "Guardian and child details as a JSON object")
	return cmd
}
