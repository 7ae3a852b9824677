package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/realmsup/internal/bridge"
	"github.com/roach88/realmsup/internal/endpoint"
)

// CallOptions holds flags for the call command.
type CallOptions struct {
	*RootOptions
	Socket     string
	Capability string
	OneWay     bool
	Timeout    time.Duration
}

// CallResult is the outcome of one bridged message.
type CallResult struct {
	Capability string           `json:"capability"`
	Sent       endpoint.Payload `json:"sent"`
	Reply      endpoint.Payload `json:"reply,omitempty"`
}

// NewCallCommand creates the call command.
func NewCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call [key=value...]",
		Short: "Send a request through a running realm's capability",
		Long: `Send a message through a capability of a realm started with --socket.

Arguments are key=value pairs forming the payload. Integers and true/false
are typed; everything else is a string. By default the command blocks for
the supervisor's reply, which requires the capability to carry the
grantreply right. Use --oneway to send without waiting.

Example:
  realmsup call --socket /tmp/realm.sock --capability <id> op=ping
  realmsup call --socket /tmp/realm.sock --capability <id> --oneway op=status`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Socket, "socket", "", "bridge socket of the running realm (required)")
	_ = cmd.MarkFlagRequired("socket")
	cmd.Flags().StringVar(&opts.Capability, "capability", "", "capability id to send through (required)")
	_ = cmd.MarkFlagRequired("capability")
	cmd.Flags().BoolVar(&opts.OneWay, "oneway", false, "send without waiting for a reply")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for the reply")

	return cmd
}

func runCall(opts *CallOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	payload, err := ParsePayloadArgs(args)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid payload", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	client := bridge.NewClient(opts.Socket)
	result := CallResult{Capability: opts.Capability, Sent: payload}

	formatter.VerboseLog("Sending %v through %s", payload, opts.Capability)
	if opts.OneWay {
		err = client.Send(ctx, opts.Capability, payload)
	} else {
		result.Reply, err = client.Call(ctx, opts.Capability, payload)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "call failed", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if opts.OneWay {
		fmt.Fprintln(formatter.Writer, "✓ Sent")
		return nil
	}
	fmt.Fprintln(formatter.Writer, "✓ Reply")
	for _, k := range sortedPayloadKeys(result.Reply) {
		fmt.Fprintf(formatter.Writer, "  %s: %v\n", k, result.Reply[k])
	}
	return nil
}

// ParsePayloadArgs turns key=value arguments into a payload.
func ParsePayloadArgs(args []string) (endpoint.Payload, error) {
	payload := endpoint.Payload{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", arg)
		}
		if _, dup := payload[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		payload[key] = parseScalar(raw)
	}
	return payload, nil
}

func parseScalar(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func sortedPayloadKeys(p endpoint.Payload) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
