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

var (
	validatePriority    string
	validateParams      string
	validateParamsFile  string
	validateWallBudget  time.Duration
	validateDrainPeriod time.Duration
)

var validateCmd = &cobra.Command{
	Use:   "validate <code.wasm>",
	Short: "Validate a candidate against a PVF",
	Long: `Validate a candidate: compile the given validation code (or reuse
the cached artifact) and execute it against the supplied parameters.

Prints the verdict with its resource-usage evidence. Exit status is 0 for
Accept, 1 for Reject, and 2 when no verdict could be obtained.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validatePriority, "priority", string(models.PriorityBacking), "Queue class: backing or approval")
	validateCmd.Flags().StringVar(&validateParams, "params", "", "Call parameters as a literal string")
	validateCmd.Flags().StringVar(&validateParamsFile, "params-file", "", "Read call parameters from a file")
	validateCmd.Flags().DurationVar(&validateWallBudget, "wall-budget", 0, "Override the execution wall-clock budget")
	validateCmd.Flags().DurationVar(&validateDrainPeriod, "drain", 5*time.Second, "Shutdown drain grace period")
}

func runValidate(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read validation code: %w", err)
	}

	params := []byte(validateParams)
	if validateParamsFile != "" {
		params, err = os.ReadFile(validateParamsFile)
		if err != nil {
			return fmt.Errorf("read parameters: %w", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	handle, err := buildHost(cfg)
	if err != nil {
		return err
	}
	defer handle.shutdown(validateDrainPeriod)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verdict, err := handle.Host.Validate(ctx, &models.ValidationRequest{
		Code:     code,
		Params:   params,
		Priority: models.Priority(validatePriority),
		Limits:   models.Limits{ExecWallBudget: validateWallBudget},
	})
	if err != nil {
		return err
	}

	printVerdict(verdict)
	switch verdict.Kind {
	case models.VerdictAccept:
		return nil
	case models.VerdictReject:
		os.Exit(1)
	default:
		os.Exit(2)
	}
	return nil
}

// printVerdict renders a verdict with its usage evidence.
func printVerdict(v models.Verdict) {
	switch v.Kind {
	case models.VerdictAccept:
		fmt.Printf("%s candidate accepted\n", color.GreenString("✓"))
		if len(v.Output) > 0 {
			fmt.Printf("  output: %d bytes\n", len(v.Output))
		}
	case models.VerdictReject:
		fmt.Printf("%s candidate rejected: %s\n", color.RedString("✗"), v.Reason)
	default:
		fmt.Printf("%s no verdict: %s\n", color.YellowString("⚠"), v.Reason)
	}
	fmt.Printf("  attempts %d, cpu %s, wall %s, peak rss %d bytes\n",
		v.Usage.Attempts, v.Usage.CPUTime, v.Usage.WallTime, v.Usage.PeakMemoryBytes)
}
