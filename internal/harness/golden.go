package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/realmsup/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Supervisor   string       `json:"supervisor"`
	Trace        []TraceEvent `json:"trace"`
	State        FinalState   `json:"state"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":  event.Seq,
			"kind": event.Kind,
		}
		if event.Category != "" {
			eventMap["category"] = event.Category
		}
		if event.Badge != 0 {
			eventMap["badge"] = event.Badge
		}
		if event.Component != "" {
			eventMap["component"] = event.Component
		}
		if event.ControlBlock != "" {
			eventMap["control_block"] = event.ControlBlock
		}
		if event.Sender != "" {
			eventMap["sender"] = event.Sender
		}
		if event.Code != "" {
			eventMap["code"] = event.Code
		}
		if event.Detail != "" {
			eventMap["detail"] = event.Detail
		}
		if len(event.Payload) > 0 {
			eventMap["payload"] = event.Payload
		}
		traceList[i] = eventMap
	}

	state := map[string]any{
		"state":  s.State.State,
		"faults": s.State.Faults,
	}
	if s.State.Entity != "" {
		state["entity"] = s.State.Entity
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"supervisor":    s.Supervisor,
		"trace":         traceList,
		"state":         state,
	}
}

// MarshalSnapshot renders a result as the canonical JSON stored in golden
// files.
func MarshalSnapshot(scenario *Scenario, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Supervisor:   scenario.Supervisor,
		Trace:        result.Trace,
		State:        result.State,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result against the scenario's golden
// file without re-running it.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalSnapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return nil
}
