package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/realmsup/internal/ir"
	"github.com/roach88/realmsup/internal/supervisor"
)

// Scenario drives one supervisor through a sequence of steps and asserts
// on the resulting trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Supervisor names the supervisor under test. Defaults to "supervisor".
	Supervisor string `yaml:"supervisor,omitempty"`

	// Badges overrides the default REQUEST=1, FAULT=2 assignment.
	Badges *ir.BadgeValues `yaml:"badges,omitempty"`

	// Handler configures the request handler.
	Handler HandlerConfig `yaml:"handler,omitempty"`

	// FaultHandler configures the fault handler.
	FaultHandler FaultHandlerConfig `yaml:"fault_handler,omitempty"`

	// Steps run in order. Each step waits for the supervisor to process
	// the message it sent before the next one starts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// HandlerConfig scripts the request handler.
type HandlerConfig struct {
	// Replies maps an op to the reply payload. Unlisted ops get {}.
	Replies map[string]map[string]any `yaml:"replies,omitempty"`

	// Fail lists ops for which the handler returns an error.
	Fail []string `yaml:"fail,omitempty"`

	// ReplyOneWay makes the handler answer one-way requests too, which the
	// supervisor reports as REPLY_MISUSE.
	ReplyOneWay bool `yaml:"reply_one_way,omitempty"`
}

// FaultHandlerConfig scripts the fault handler.
type FaultHandlerConfig struct {
	// Fail makes the handler return an error for every fault.
	Fail bool `yaml:"fail,omitempty"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Register     *RegisterStep     `yaml:"register,omitempty"`
	GrantRequest *GrantRequestStep `yaml:"grant_request,omitempty"`
	Request      *RequestStep      `yaml:"request,omitempty"`
	Fault        *FaultStep        `yaml:"fault,omitempty"`
	SendRaw      *SendRawStep      `yaml:"send_raw,omitempty"`
}

// RegisterStep registers an entity with the supervisor.
type RegisterStep struct {
	Component    string `yaml:"component"`
	ControlBlock string `yaml:"control_block"`
	// As names the entity for later fault steps.
	As string `yaml:"as,omitempty"`
	// ExpectError is "topology" or "invalid_entity" when the registration
	// must fail.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// GrantRequestStep mints a request capability.
type GrantRequestStep struct {
	Sender string   `yaml:"sender"`
	Rights []string `yaml:"rights,omitempty"`
	// As names the capability for later request steps.
	As string `yaml:"as"`
}

// RequestStep sends a request through a named capability.
type RequestStep struct {
	Capability string         `yaml:"capability"`
	Payload    map[string]any `yaml:"payload,omitempty"`
	// Call blocks for the reply.
	Call bool `yaml:"call,omitempty"`
	// Expect is a subset match on the reply payload.
	Expect map[string]any `yaml:"expect,omitempty"`
	// ExpectError is "reply_misuse" or "rejected".
	ExpectError string `yaml:"expect_error,omitempty"`
}

// FaultStep makes a registered entity report a fault.
type FaultStep struct {
	Entity string `yaml:"entity"`
	Reason string `yaml:"reason"`
}

// SendRawStep delivers a message under an arbitrary badge, as a sender
// holding a capability the supervisor never issued through its API.
type SendRawStep struct {
	Badge   uint64         `yaml:"badge"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Call    bool           `yaml:"call,omitempty"`
	// ExpectError is "rejected" when a call must be refused.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of trace_contains, trace_count, trace_order, final_state.
	Type string `yaml:"type"`

	// Kind and Code select records (trace_contains, trace_count).
	Kind string `yaml:"kind,omitempty"`
	Code string `yaml:"code,omitempty"`

	// Component and Detail narrow trace_contains.
	Component string `yaml:"component,omitempty"`
	Detail    string `yaml:"detail,omitempty"`

	// Payload is a subset match for trace_contains.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Order lists tokens ("fault", "anomaly:TOPOLOGY") that must appear
	// in this relative order (trace_order).
	Order []string `yaml:"order,omitempty"`

	// State, Entity and Faults describe the final state (final_state).
	State  string `yaml:"state,omitempty"`
	Entity string `yaml:"entity,omitempty"`
	Faults *int64 `yaml:"faults,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Expected error names for register and request steps.
const (
	ExpectTopology      = "topology"
	ExpectInvalidEntity = "invalid_entity"
	ExpectReplyMisuse   = "reply_misuse"
	ExpectRejected      = "rejected"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Supervisor == "" {
		scenario.Supervisor = "supervisor"
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("at least one step is required")
	}

	aliases := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, aliases); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, aliases map[string]bool) error {
	set := 0
	for _, present := range []bool{step.Register != nil, step.GrantRequest != nil, step.Request != nil, step.Fault != nil, step.SendRaw != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of register, grant_request, request, fault, send_raw is required", index)
	}

	switch {
	case step.Register != nil:
		r := step.Register
		switch r.ExpectError {
		case "", ExpectTopology, ExpectInvalidEntity:
		default:
			return fmt.Errorf("steps[%d]: unknown expect_error %q for register", index, r.ExpectError)
		}
		if r.As != "" {
			aliases["entity:"+r.As] = true
		}
	case step.GrantRequest != nil:
		g := step.GrantRequest
		if g.Sender == "" || g.As == "" {
			return fmt.Errorf("steps[%d]: grant_request requires sender and as", index)
		}
		aliases["cap:"+g.As] = true
	case step.Request != nil:
		r := step.Request
		if !aliases["cap:"+r.Capability] {
			return fmt.Errorf("steps[%d]: unknown capability %q", index, r.Capability)
		}
		switch r.ExpectError {
		case "", ExpectReplyMisuse, ExpectRejected:
		default:
			return fmt.Errorf("steps[%d]: unknown expect_error %q for request", index, r.ExpectError)
		}
		if r.Expect != nil && !r.Call {
			return fmt.Errorf("steps[%d]: expect requires call: true", index)
		}
	case step.Fault != nil:
		if !aliases["entity:"+step.Fault.Entity] {
			return fmt.Errorf("steps[%d]: unknown entity %q", index, step.Fault.Entity)
		}
	case step.SendRaw != nil:
		if step.SendRaw.Badge == 0 {
			return fmt.Errorf("steps[%d]: send_raw badge must be non-zero", index)
		}
		if e := step.SendRaw.ExpectError; e != "" && (e != ExpectRejected || !step.SendRaw.Call) {
			return fmt.Errorf("steps[%d]: send_raw expect_error must be %q on a call", index, ExpectRejected)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for %s", index, a.Type)
		}
		if !knownKind(a.Kind) {
			return fmt.Errorf("assertions[%d]: unknown record kind %q", index, a.Kind)
		}
		if a.Type == AssertTraceCount && a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Order) == 0 {
			return fmt.Errorf("assertions[%d]: order list is required for trace_order", index)
		}
	case AssertFinalState:
		if a.State == "" && a.Entity == "" && a.Faults == nil {
			return fmt.Errorf("assertions[%d]: final_state needs state, entity or faults", index)
		}
		if a.State != "" {
			if _, err := supervisor.ParseState(a.State); err != nil {
				return fmt.Errorf("assertions[%d]: %w", index, err)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func knownKind(kind string) bool {
	for _, k := range ir.RecordKinds() {
		if string(k) == kind {
			return true
		}
	}
	return false
}
