package main

import (
	"github.com/spf13/cobra"

	"github.com/example/face-capture/internal/httpclient"
	"github.com/example/face-capture/internal/recognition"
)

func newRecognizeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recognize FILE",
		Short: "Identify the person in an image",
		Long: `Normalize an image for recognition, submit it and print the match.

Examples:
  facectl recognize portrait.jpg
  facectl recognize --multi-angle portrait.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readCapture(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}

			img := a.engine(recognition.PurposeRecognize).Normalize(raw)
			a.logImage(cmd, img)

			opts := httpclient.RecognizeOptions{
				UseMultiAngle: a.cfg.Backend.UseMultiAngle || mustGetBool(cmd, "multi-angle"),
			}
			return a.report(cmd.OutOrStdout(), client.Recognize(cmd.Context(), img, opts))
		},
	}
	cmd.Flags().Bool("multi-angle", false, "Ask the backend to try several face angles")
	return cmd
}
