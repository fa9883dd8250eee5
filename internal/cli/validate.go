package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/sim"
)

// Codes for validation failures that config.ValidationError does not
// cover.
const (
	ErrCodeGeneric = "E001"
	ErrCodeSchema  = "E200"
	ErrCodeProgram = "E210"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                     `json:"valid"`
	Config *config.Config           `json:"config,omitempty"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Program string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a group configuration",
		Long: `Validate a group configuration without running anything.

Checks the file against the configuration schema (closed key set, value
bounds) and then the cross-field constraints (min_replicas, watchdog
bounds). With --program, also assembles a program file.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Program, "program", "", "also assemble this program file")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	if _, err := os.Stat(path); err != nil {
		return outputValidateError(formatter, ErrCodeGeneric, fmt.Sprintf("config file not found: %s", path), nil)
	}

	formatter.VerboseLog("Validating config: %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationErrors(formatter, validationErrors(err))
	}

	if opts.Program != "" {
		formatter.VerboseLog("Assembling program: %s", opts.Program)
		if _, err := sim.LoadProgram(opts.Program); err != nil {
			return outputValidationErrors(formatter, []config.ValidationError{{
				Code:    ErrCodeProgram,
				Field:   "program",
				Message: err.Error(),
			}})
		}
	}

	return outputValidateSuccess(formatter, cfg)
}

// validationErrors flattens a config.Load error into validation errors.
func validationErrors(err error) []config.ValidationError {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		return verrs
	}
	var serr *config.SchemaError
	if errors.As(err, &serr) {
		return []config.ValidationError{{
			Code:    ErrCodeSchema,
			Field:   serr.Field,
			Message: serr.Error(),
		}}
	}
	return []config.ValidationError{{Code: ErrCodeGeneric, Field: "config", Message: err.Error()}}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, cfg config.Config) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Config: &cfg})
	}

	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	if formatter.Verbose {
		fmt.Fprintf(formatter.Writer, "  replicas=%d min_replicas=%d wait=%s vote=%s\n",
			cfg.Replicas, cfg.MinReplicas, cfg.Wait, cfg.Vote)
		fmt.Fprintf(formatter.Writer, "  watchdog enabled=%t timeout=%s mode=%s retries=%d step_budget=%d\n",
			cfg.Watchdog.Enabled, cfg.Watchdog.Timeout.Std(), cfg.Watchdog.Mode,
			cfg.Watchdog.Retries, cfg.Watchdog.StepBudget)
	}
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Validation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []config.ValidationError) error {
	if formatter.Format == "json" {
		result := ValidationResult{
			Valid:  false,
			Errors: errs,
		}

		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", err.Code, err.Field, err.Message)
	}

	// Validation failures = exit code 1 (test/validation failure)
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
