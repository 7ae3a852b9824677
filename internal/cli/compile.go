package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/realmsup/internal/composition"
	"github.com/roach88/realmsup/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult is the static shape of a realm: its topology and the
// capability slots every component starts with.
type CompilationResult struct {
	Version      string        `json:"version"`
	TopologyHash string        `json:"topology_hash"`
	Topology     *ir.Topology  `json:"topology"`
	Manifests    []ir.Manifest `json:"manifests"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <topology-dir>",
		Short: "Compile a realm topology to canonical manifests",
		Long: `Compile a CUE realm topology to canonical JSON.

The topology is validated and composed in memory to produce one manifest per
component: the endpoint, fault and request slots it is started with.
Capability ids are minted at run time and are left out.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loaded, err := LoadTopology(dir)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loaded.FileCount, dir)

	validation := validateTopology(loaded.Topology, formatter)
	if !validation.Valid {
		return outputValidationErrors(formatter, validation)
	}

	result, err := compileRealm(cmd.Context(), loaded.Topology)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "composition failed", err)
	}

	if opts.Output != "" {
		if err := writeCanonical(result, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, "writing output file", err)
		}
	}

	return outputCompileSuccess(formatter, result, validation, opts.Output)
}

// compileRealm composes topo without running it and returns its manifests
// with capability ids stripped.
func compileRealm(ctx context.Context, topo *ir.Topology) (*CompilationResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	hash, err := ir.TopologyHash(topo)
	if err != nil {
		return nil, err
	}

	c, err := composition.New(topo, composition.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		return nil, err
	}
	if err := c.Compose(ctx); err != nil {
		return nil, err
	}
	realm, err := c.Finalize()
	if err != nil {
		return nil, err
	}
	defer realm.Stop()

	manifests := realm.Manifests()
	for i := range manifests {
		slots := make([]ir.Slot, len(manifests[i].Slots))
		for j, s := range manifests[i].Slots {
			s.CapabilityID = ""
			slots[j] = s
		}
		manifests[i].Slots = slots
	}

	return &CompilationResult{
		Version:      ir.TopologyVersion,
		TopologyHash: hash,
		Topology:     topo,
		Manifests:    manifests,
	}, nil
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, validation ValidationResult, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Compiled realm %d: %d supervisor(s), %d component(s), %d client(s)\n\n",
		result.Topology.Realm, len(result.Topology.Supervisors), len(result.Topology.Components), len(result.Topology.Clients))

	fmt.Fprintln(formatter.Writer, "Manifests:")
	for _, m := range result.Manifests {
		fmt.Fprintf(formatter.Writer, "  %s:\n", m.Component)
		for _, s := range m.Slots {
			if s.Badge != 0 {
				fmt.Fprintf(formatter.Writer, "    %s → %s (badge %d, %v)\n", s.Name, s.Object, s.Badge, s.Rights)
			} else {
				fmt.Fprintf(formatter.Writer, "    %s → %s (%v)\n", s.Name, s.Object, s.Rights)
			}
		}
	}
	fmt.Fprintln(formatter.Writer)
	printWarnings(formatter, validation.Warnings)

	fmt.Fprintf(formatter.Writer, "Topology hash: %s\n", result.TopologyHash)
	if outputFile != "" {
		fmt.Fprintf(formatter.Writer, "Wrote canonical manifests to %s\n", outputFile)
	}
	return nil
}

// writeCanonical writes v to filename as canonical JSON.
func writeCanonical(v any, filename string) error {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Errorf("marshaling manifests: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
