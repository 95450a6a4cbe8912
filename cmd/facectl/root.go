package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/config"
	"github.com/example/face-capture/internal/diagnostics"
	"github.com/example/face-capture/internal/httpclient"
	"github.com/example/face-capture/internal/imageprocessor"
	"github.com/example/face-capture/internal/logging"
	"github.com/example/face-capture/internal/recognition"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	backendURL string
	detailed   bool
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "facectl",
		Short: "Recognize and register faces from image files",
		Long: `facectl runs images through the same preprocessing, submission and
diagnostics steps as the capture service and prints the classified result.

Settings come from the embedded defaults, CONFIG_FILE, the environment and an
optional .env file in the working directory.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return a.load() },
	}

	root.PersistentFlags().StringVar(&a.backendURL, "backend", "", "Recognition backend base URL (overrides BACKEND_URL)")
	root.PersistentFlags().BoolVar(&a.detailed, "detailed", false, "Show internal error details")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")

	root.AddCommand(
		newRecognizeCmd(a),
		newRegisterCmd(a),
		newBurstCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) load() error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.backendURL != "" {
		cfg.Backend.URL = a.backendURL
	}
	if a.detailed {
		cfg.Diagnostics.ShowDetailedErrors = true
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) client() (*httpclient.Client, error) {
	b := a.cfg.Backend
	return httpclient.New(httpclient.Config{
		BaseURL:            b.URL,
		RecognizePath:      b.RecognizePath,
		RegisterPath:       b.RegisterPath,
		ListPath:           b.ListPath,
		RecognizeTimeout:   b.RecognizeTimeout,
		RegisterTimeout:    b.RegisterTimeout,
		ListTimeout:        b.ListTimeout,
		MaxRetries:         b.MaxRetries,
		BackoffBase:        b.BackoffBase,
		MultipartThreshold: b.MultipartThreshold,
		MaxImageSize:       a.cfg.Image.MaxImageSize,
	}, a.logger)
}

func (a *app) engine(purpose recognition.Purpose) *imageprocessor.Engine {
	target := a.cfg.Image.RecognitionDimension
	if purpose == recognition.PurposeRegister {
		target = a.cfg.Image.RegistrationDimension
	}
	return imageprocessor.NewEngine(imageprocessor.Options{
		TargetDimension:     target,
		SmallImageThreshold: a.cfg.Image.SmallImageThreshold,
		MaxImageSize:        a.cfg.Image.MaxImageSize,
		QualityDefault:      a.cfg.Image.QualityDefault,
		QualityLow:          a.cfg.Image.QualityLow,
	}, a.logger)
}

func readCapture(ctx context.Context, path string) (capture.RawCapture, error) {
	device, err := capture.OpenFiles(path)
	if err != nil {
		return capture.RawCapture{}, err
	}
	defer device.Release()
	return device.RequestFrame(ctx)
}

// report prints outcome and returns an error when the backend could not be
// reached or rejected the request.
func (a *app) report(w io.Writer, outcome recognition.Outcome) error {
	category := diagnostics.ClassifyWithThreshold(outcome, a.cfg.Diagnostics.ConfidenceThreshold)

	fmt.Fprintf(w, "Result:     %s\n", outcome.Kind)
	if outcome.Identity != nil {
		name := outcome.Identity.Name
		if outcome.Identity.ID != "" {
			name = fmt.Sprintf("%s (%s)", name, outcome.Identity.ID)
		}
		fmt.Fprintf(w, "Identity:   %s\n", name)
	}
	if outcome.Kind == recognition.KindRecognized && outcome.ConfidenceReported {
		fmt.Fprintf(w, "Confidence: %.2f\n", outcome.Confidence)
	}
	if outcome.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", outcome.Reason)
	}
	fmt.Fprintf(w, "Category:   %s\n", category)
	if guidance := diagnostics.Guidance(category); guidance != "" {
		fmt.Fprintf(w, "Guidance:   %s\n", guidance)
	}
	fmt.Fprintf(w, "Attempts:   %d\n", outcome.Attempts)

	if !outcome.Succeeded() {
		return errors.New(recognition.UserMessage(outcome.Cause, a.cfg.Diagnostics.ShowDetailedErrors))
	}
	return nil
}
