package main

import (
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/recognition"
	"github.com/example/face-capture/internal/usecase"
)

const cliOperator = "facectl"

func newBurstCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "burst FILE...",
		Short: "Capture a timed burst from files and recognize it",
		Long: `Replay FILEs as a timed multi-shot burst, then submit the first --frames
captured frames in order until one is recognized.

Examples:
  facectl burst shot1.jpg shot2.jpg shot3.jpg
  facectl burst --interval 0 --frames 3 shot*.jpg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			interval := a.cfg.Capture.Interval
			if cmd.Flags().Changed("interval") {
				interval = mustGetDuration(cmd, "interval")
			}
			frames := a.cfg.Capture.FramesUsedForSubmission
			if cmd.Flags().Changed("frames") {
				frames = mustGetInt(cmd, "frames")
			}
			if frames < 1 {
				return errors.New("--frames must be at least 1")
			}

			device, err := capture.OpenFiles(args...)
			if err != nil {
				return err
			}
			defer device.Release()

			client, err := a.client()
			if err != nil {
				return err
			}
			orchestrator := capture.NewOrchestrator(a.logger,
				capture.WithShotCount(len(args)),
				capture.WithInterval(interval),
			)
			manager := usecase.NewManager(usecase.Dependencies{
				Submitter:    client,
				Factory:      capture.QueueFactory{},
				Orchestrator: orchestrator,
				Preprocessors: map[recognition.Purpose]usecase.Preprocessor{
					recognition.PurposeRecognize: a.engine(recognition.PurposeRecognize),
				},
			}, usecase.ManagerConfig{
				FramesUsed:          frames,
				UseMultiAngle:       a.cfg.Backend.UseMultiAngle,
				ConfidenceThreshold: a.cfg.Diagnostics.ConfidenceThreshold,
				ShowDetailedErrors:  a.cfg.Diagnostics.ShowDetailedErrors,
			}, a.logger)
			defer manager.Shutdown()

			session, err := manager.Open(cliOperator, recognition.PurposeRecognize)
			if err != nil {
				return err
			}
			if err := session.SelectMode(ctx, capture.ModeUpload, ""); err != nil {
				return err
			}

			bar := progressbar.NewOptions(len(args),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetDescription("Capturing"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("frames"),
				progressbar.OptionShowElapsedTimeOnFinish(),
			)
			burst := orchestrator.CaptureBurst(device)
			state := burst.Run(ctx, func(step capture.Step) {
				_ = bar.Add(1)
				if step.Err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "\nframe %d dropped: %v\n", step.Index+1, step.Err)
				}
			})
			_ = bar.Finish()
			fmt.Fprintln(cmd.ErrOrStderr())

			captured := burst.Frames()
			if len(captured) == 0 {
				return fmt.Errorf("burst %s without any frame", state)
			}
			for _, frame := range captured {
				if err := session.AddCapture(frame); err != nil {
					return err
				}
			}

			result, err := session.Submit(ctx, recognition.Metadata{})
			if err != nil {
				return errors.New(recognition.UserMessage(err, a.cfg.Diagnostics.ShowDetailedErrors))
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Burst:      %s, %d of %d frames captured\n", state, len(captured), len(args))
			fmt.Fprintf(out, "Submitted:  %d frame(s)\n", result.FramesSubmitted)
			return a.report(out, result.Outcome)
		},
	}
	cmd.Flags().Duration("interval", 0, "Delay between shots (defaults to BURST_INTERVAL)")
	cmd.Flags().Int("frames", 0, "Frames to submit (defaults to FRAMES_USED_FOR_SUBMISSION)")
	return cmd
}
