package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/realmsup/internal/compiler"
	"github.com/roach88/realmsup/internal/ir"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                          `json:"valid"`
	Errors   []compiler.ValidationError    `json:"errors,omitempty"`
	Warnings []compiler.SupervisionWarning `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <topology-dir>",
		Short: "Validate a realm topology without composing it",
		Long: `Validate a CUE realm topology without composing it.

Checks structure, references between supervisors, components and clients,
badge assignment and the single-supervised-entity rule. Supervision loops
are reported as warnings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	loaded, err := LoadTopology(dir)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)

	result := validateTopology(loaded.Topology, formatter)
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// validateTopology runs semantic validation and supervision analysis.
func validateTopology(topo *ir.Topology, formatter *OutputFormatter) ValidationResult {
	formatter.VerboseLog("Validating realm %d: %d supervisor(s), %d component(s), %d client(s)",
		topo.Realm, len(topo.Supervisors), len(topo.Components), len(topo.Clients))

	errs := compiler.Validate(topo)
	return ValidationResult{
		Valid:    len(errs) == 0,
		Errors:   errs,
		Warnings: compiler.AnalyzeSupervision(topo),
	}
}

// outputLoadError reports a topology that could not be loaded. These are
// command-level errors (exit code 2).
func outputLoadError(formatter *OutputFormatter, err error) error {
	code, message := ErrCodeGeneric, err.Error()
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		code, message = loadErr.Code, loadErr.Message
		if loadErr.Pos.IsValid() && formatter.Format != "json" {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
	}
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "✓ Topology valid")
	printWarnings(formatter, result.Warnings)
	return nil
}

// outputValidationErrors outputs every validation error. Validation
// failures exit with code 1.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	message := fmt.Sprintf("validation failed with %d error(s)", len(result.Errors))
	if formatter.Format == "json" {
		return formatter.Failure(ExitFailure, result.Errors[0].Code, message, result)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", e.Code, e.Field, e.Message)
	}
	printWarnings(formatter, result.Warnings)

	return NewExitError(ExitFailure, message)
}

func printWarnings(formatter *OutputFormatter, warnings []compiler.SupervisionWarning) {
	for _, w := range warnings {
		fmt.Fprintf(formatter.Writer, "  warning: %s\n", w.Message)
	}
}
