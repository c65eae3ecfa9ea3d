package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/sandbox"
	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the exec command.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitSecurityViolation = 2
)

var (
	execConfigPath string
	execUser       string
	execTimeout    int
	execMemoryMB   int
	execVariables  []string
	execJSON       bool
)

var execCmd = &cobra.Command{
	Use:   "exec <file>",
	Short: "Run a Python script file through the sandbox",
	Long: `Run a local Python script through the full scan → govern → execute
pipeline and print the result. Useful for trying out scripts and limits
without a connected assistant.

Exit codes:
  0  script succeeded
  1  script failed (runtime error or resource limit)
  2  rejected by the security scanner`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	execCmd.Flags().StringVar(&execUser, "user", "system", "user identity for bridge permission checks")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 0, "wall-clock limit in seconds (0 = default)")
	execCmd.Flags().IntVar(&execMemoryMB, "memory", 0, "memory limit in MB (0 = default)")
	execCmd.Flags().StringSliceVar(&execVariables, "var", nil, "variable names to return from the script")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "print the full result as JSON")
}

func runExec(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading script %s: %w", args[0], err)
	}

	cfg, err := config.Load(goutils.Env("DARAJA_CONFIG", execConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	req := sandbox.NewRequest(string(code))
	req.User = execUser
	req.ReturnVariables = execVariables
	if execTimeout > 0 {
		req.TimeoutSeconds = execTimeout
	}
	if execMemoryMB > 0 {
		req.MemoryLimitMB = execMemoryMB
	}

	// Cleanup must run before os.Exit, so no defer here.
	exitCode := execScript(ctx, sc, req)
	stop()
	sc.Cleanup()
	os.Exit(exitCode)
	return nil
}

// execScript runs the request and prints the outcome, returning the exit code.
func execScript(ctx context.Context, sc *SharedComponents, req sandbox.ExecutionRequest) int {
	result, err := sc.Executor.Execute(ctx, req)
	if err != nil {
		var violation *sandbox.Violation
		if errors.As(err, &violation) {
			fmt.Fprintf(os.Stderr, "Rejected: %s (matched %q)\n", violation.Message, violation.MatchedPattern)
			return ExitSecurityViolation
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}

	if execJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		if result.Output != "" {
			fmt.Print(result.Output)
		}
		for name, value := range result.Variables {
			fmt.Fprintf(os.Stderr, "%s = %s\n", name, value)
		}
		if result.Err != nil {
			fmt.Fprintf(os.Stderr, "Error (%s): %s\n", result.Err.Kind, result.Err.Message)
			for _, hint := range result.Err.Hints {
				fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
			}
		}
		fmt.Fprintf(os.Stderr, "[duration=%dms success=%t]\n", result.ExecutionTimeMS, result.Success)
	}

	if !result.Success {
		return ExitFailure
	}
	return ExitSuccess
}
