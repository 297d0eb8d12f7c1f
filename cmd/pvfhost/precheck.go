package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strandchain/pvfhost/pkg/models"
)

var precheckDrainPeriod time.Duration

var precheckCmd = &cobra.Command{
	Use:   "precheck <code.wasm>",
	Short: "Check that validation code compiles, without executing it",
	Long: `Precheck compiles the given validation code under the stricter
pre-upgrade bounds and reports whether it is acceptable.

Valid and Invalid are statements about the code. Failed means the check
could not complete (host fault) and says nothing about the code; exit
status is 0, 1, and 2 respectively.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrecheck,
}

func init() {
	precheckCmd.Flags().DurationVar(&precheckDrainPeriod, "drain", 5*time.Second, "Shutdown drain grace period")
}

func runPrecheck(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read validation code: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	handle, err := buildHost(cfg)
	if err != nil {
		return err
	}
	defer handle.shutdown(precheckDrainPeriod)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := handle.Host.Precheck(ctx, code)
	switch outcome {
	case models.PrecheckValid:
		fmt.Printf("%s code is valid (%s)\n", color.GreenString("✓"), models.ComputeCodeIdentity(code).Short())
		return nil
	case models.PrecheckInvalid:
		fmt.Printf("%s code is invalid\n", color.RedString("✗"))
		os.Exit(1)
	default:
		fmt.Printf("%s precheck failed: %v\n", color.YellowString("⚠"), err)
		os.Exit(2)
	}
	return nil
}
