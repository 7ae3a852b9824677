package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/realmsup/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
}

// ReplayViolation is one journal inconsistency.
type ReplayViolation struct {
	RecordID string `json:"record_id"`
	Rule     string `json:"rule"`
	Detail   string `json:"detail"`
}

// ReplayResult holds the replay outcome.
type ReplayResult struct {
	Records    int               `json:"records"`
	LastSeq    int64             `json:"last_seq"`
	Consistent bool              `json:"consistent"`
	Violations []ReplayViolation `json:"violations"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay the journal and check supervision invariants",
		Long: `Replay every journal record in seq order and check that:
  - each supervisor registered at most once
  - every fault names the bound entity and follows its registration
  - every reply answers a recorded request

Exit codes:
  0 - Journal is consistent
  1 - One or more violations found
  2 - Command error (database not found, etc.)

Examples:
  realmsup replay --db ./realmsup.db
  realmsup replay --db ./realmsup.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openJournal(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	verified, err := st.Verify(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay journal", err)
	}

	result := replayResult(verified)
	if opts.Format == "json" {
		return outputReplayJSON(cmd, result)
	}
	return outputReplayText(cmd, result)
}

func replayResult(v store.VerifyResult) ReplayResult {
	result := ReplayResult{
		Records:    v.Records,
		LastSeq:    v.LastSeq,
		Consistent: v.OK(),
		Violations: make([]ReplayViolation, 0, len(v.Violations)),
	}
	for _, viol := range v.Violations {
		result.Violations = append(result.Violations, ReplayViolation{
			RecordID: viol.RecordID,
			Rule:     viol.Rule,
			Detail:   viol.Detail,
		})
	}
	return result
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(cmd *cobra.Command, result ReplayResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
	}
	if !result.Consistent {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_JOURNAL_INCONSISTENT",
			Message: fmt.Sprintf("%d violation(s) found", len(result.Violations)),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if !result.Consistent {
		return NewExitError(ExitFailure, fmt.Sprintf("%d violation(s) found", len(result.Violations)))
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult) error {
	w := cmd.OutOrStdout()

	if result.Records == 0 {
		fmt.Fprintln(w, "No records found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replayed %d records (last seq %d)\n", result.Records, result.LastSeq)

	if !result.Consistent {
		fmt.Fprintln(w)
		for _, v := range result.Violations {
			fmt.Fprintf(w, "✗ %s: %s (%s)\n", v.RecordID, v.Rule, v.Detail)
		}
		fmt.Fprintln(w)
		return NewExitError(ExitFailure, fmt.Sprintf("%d violation(s) found", len(result.Violations)))
	}

	fmt.Fprintln(w, "✓ Journal consistent")
	return nil
}
