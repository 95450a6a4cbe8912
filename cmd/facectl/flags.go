package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/face-capture/internal/imageprocessor"
)

// Flags are defined with their commands, so lookup errors are programming bugs.

func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetDuration(cmd *cobra.Command, name string) time.Duration {
	val, err := cmd.Flags().GetDuration(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetStringToString(cmd *cobra.Command, name string) map[string]string {
	val, err := cmd.Flags().GetStringToString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// logImage describes the normalized image on stderr when details are on.
func (a *app) logImage(cmd *cobra.Command, img imageprocessor.PreparedImage) {
	if !a.detailed {
		return
	}
	renderer := img.Renderer
	switch {
	case img.Passthrough:
		renderer = "passthrough"
	case img.Skipped:
		renderer = "skipped"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "prepared %dx%d %s, %d -> %d bytes (%s)\n",
		img.Width, img.Height, img.MIMEType, img.OriginalSize, img.Size(), renderer)
}
