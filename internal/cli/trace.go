package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database   string
	Supervisor string
	Kinds      []string
	Component  string
	Code       string
	Since      int64
	Limit      int
}

// TraceEvent is one journal record in the trace timeline.
type TraceEvent struct {
	Seq          int64          `json:"seq"`
	ID           string         `json:"id"`
	Supervisor   string         `json:"supervisor"`
	Kind         string         `json:"kind"`
	Code         string         `json:"code,omitempty"`
	Category     string         `json:"category,omitempty"`
	Badge        uint64         `json:"badge,omitempty"`
	Component    string         `json:"component,omitempty"`
	ControlBlock string         `json:"control_block,omitempty"`
	Sender       string         `json:"sender,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// TraceStats summarises the whole journal, regardless of filters.
type TraceStats struct {
	Records     int            `json:"records"`
	ByKind      map[string]int `json:"by_kind"`
	Supervisors int            `json:"supervisors"`
	Bindings    int            `json:"bindings"`
	LastSeq     int64          `json:"last_seq"`
}

// TraceResult holds the trace output.
type TraceResult struct {
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the supervision journal",
		Long: `Show journal records in seq order, optionally filtered.

Exit codes:
  0 - Success
  2 - Command error (database not found, bad filter, etc.)

Examples:
  realmsup trace --db ./realmsup.db
  realmsup trace --db ./realmsup.db --supervisor init --kind fault,anomaly
  realmsup trace --db ./realmsup.db --code PROTOCOL_VIOLATION --format json
  realmsup trace --db ./realmsup.db --since 40 --limit 20`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Supervisor, "supervisor", "", "only records of this supervisor")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "only these record kinds (register, grant, request, reply, fault, anomaly)")
	cmd.Flags().StringVar(&opts.Component, "component", "", "only records naming this component")
	cmd.Flags().StringVar(&opts.Code, "code", "", "only anomalies with this code")
	cmd.Flags().Int64Var(&opts.Since, "since", 0, "only records with seq greater than this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of records (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	kinds, err := store.ParseKinds(opts.Kinds)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --kind", err)
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	st, err := openJournal(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ReadRecords(ctx, store.Filter{
		Supervisor: opts.Supervisor,
		Kinds:      kinds,
		Component:  opts.Component,
		Code:       opts.Code,
		SinceSeq:   opts.Since,
		Limit:      opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal stats", err)
	}

	result := TraceResult{
		Timeline: buildTimeline(records),
		Stats:    traceStats(stats),
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd, result, opts.Verbose)
}

// openJournal opens an existing journal without creating one.
func openJournal(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
		}
		return nil, WrapExitError(ExitCommandError, "failed to stat database", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func buildTimeline(records []ir.Record) []TraceEvent {
	timeline := make([]TraceEvent, 0, len(records))
	for _, rec := range records {
		timeline = append(timeline, TraceEvent{
			Seq:          rec.Seq,
			ID:           rec.ID,
			Supervisor:   rec.Supervisor,
			Kind:         string(rec.Kind),
			Code:         rec.Code,
			Category:     rec.Category,
			Badge:        rec.Badge,
			Component:    rec.Component,
			ControlBlock: rec.ControlBlock,
			Sender:       rec.Sender,
			Detail:       rec.Detail,
			Payload:      rec.Payload,
		})
	}
	return timeline
}

func traceStats(s store.Stats) TraceStats {
	byKind := make(map[string]int, len(s.ByKind))
	for k, n := range s.ByKind {
		byKind[string(k)] = n
	}
	return TraceStats{
		Records:     s.Records,
		ByKind:      byKind,
		Supervisors: s.Supervisors,
		Bindings:    s.Bindings,
		LastSeq:     s.LastSeq,
	}
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(CLIResponse{
		Status: "ok",
		Data:   result,
	})
}

// outputTraceText outputs the trace result as a human-readable timeline.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "No records found.")
		return nil
	}

	fmt.Fprintln(w, "Timeline:")
	for _, ev := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s %s", ev.Seq, ev.Supervisor, eventToken(ev))
		if ev.Component != "" {
			fmt.Fprintf(w, " %s", ev.Component)
		}
		if ev.Detail != "" {
			fmt.Fprintf(w, " %q", ev.Detail)
		}
		fmt.Fprintln(w)

		if verbose {
			if ev.Sender != "" {
				fmt.Fprintf(w, "      sender: %s\n", ev.Sender)
			}
			if ev.Badge != 0 {
				fmt.Fprintf(w, "      badge: %s=%d\n", ev.Category, ev.Badge)
			}
			for _, k := range sortedPayloadKeys(ev.Payload) {
				fmt.Fprintf(w, "      %s: %v\n", k, ev.Payload[k])
			}
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Journal: %d records, %d supervisors, %d bindings, last seq %d\n",
		result.Stats.Records, result.Stats.Supervisors, result.Stats.Bindings, result.Stats.LastSeq)
	return nil
}

func eventToken(ev TraceEvent) string {
	if ev.Code == "" {
		return ev.Kind
	}
	return strings.Join([]string{ev.Kind, ev.Code}, ":")
}
