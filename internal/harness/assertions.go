package harness

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Seq, event.Token())
			if event.Component != "" {
				fmt.Fprintf(&buf, " %s", event.Component)
			}
			if event.Detail != "" {
				fmt.Fprintf(&buf, " %q", event.Detail)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

func assertResult(result *Result, assertion Assertion) error {
	switch assertion.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, assertion)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, assertion)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, assertion)
	case AssertFinalState:
		return assertFinalState(result.State, assertion)
	default:
		return fmt.Errorf("unknown assertion type %q", assertion.Type)
	}
}

// matchEvent applies the selector fields of assertion to event. Empty
// fields match anything.
func matchEvent(event TraceEvent, assertion Assertion) bool {
	if event.Kind != assertion.Kind {
		return false
	}
	if assertion.Code != "" && event.Code != assertion.Code {
		return false
	}
	if assertion.Component != "" && event.Component != assertion.Component {
		return false
	}
	if assertion.Detail != "" && !strings.Contains(event.Detail, assertion.Detail) {
		return false
	}
	return subsetMatch(assertion.Payload, event.Payload)
}

func describeSelector(assertion Assertion) string {
	parts := []string{"kind=" + assertion.Kind}
	if assertion.Code != "" {
		parts = append(parts, "code="+assertion.Code)
	}
	if assertion.Component != "" {
		parts = append(parts, "component="+assertion.Component)
	}
	if assertion.Detail != "" {
		parts = append(parts, fmt.Sprintf("detail~%q", assertion.Detail))
	}
	if len(assertion.Payload) > 0 {
		parts = append(parts, fmt.Sprintf("payload>=%v", assertion.Payload))
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks the trace holds at least one matching record.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchEvent(event, assertion) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeSelector(assertion),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that tokens appear in the specified order.
// They need not be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(assertion.Order) {
			break
		}
		want := assertion.Order[next]
		if event.Token() == want || (!strings.Contains(want, ":") && event.Kind == want) {
			next++
		}
	}
	if next == len(assertion.Order) {
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: strings.Join(assertion.Order, " -> "),
		Actual:   fmt.Sprintf("%q not found after %v", assertion.Order[next], assertion.Order[:next]),
		Trace:    trace,
	}
}

// assertTraceCount checks the exact number of matching records.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchEvent(event, assertion) {
			count++
		}
	}
	if count == assertion.Count {
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d records with %s", assertion.Count, describeSelector(assertion)),
		Actual:   fmt.Sprintf("%d records", count),
		Trace:    trace,
	}
}

// assertFinalState checks the supervisor state after the last step.
func assertFinalState(state FinalState, assertion Assertion) error {
	var mismatches []string
	if assertion.State != "" && state.State != assertion.State {
		mismatches = append(mismatches, fmt.Sprintf("state=%s", state.State))
	}
	if assertion.Entity != "" && state.Entity != assertion.Entity {
		mismatches = append(mismatches, fmt.Sprintf("entity=%q", state.Entity))
	}
	if assertion.Faults != nil && state.Faults != *assertion.Faults {
		mismatches = append(mismatches, fmt.Sprintf("faults=%d", state.Faults))
	}
	if len(mismatches) == 0 {
		return nil
	}

	expected := []string{}
	if assertion.State != "" {
		expected = append(expected, "state="+assertion.State)
	}
	if assertion.Entity != "" {
		expected = append(expected, fmt.Sprintf("entity=%q", assertion.Entity))
	}
	if assertion.Faults != nil {
		expected = append(expected, fmt.Sprintf("faults=%d", *assertion.Faults))
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Expected: strings.Join(expected, " "),
		Actual:   strings.Join(mismatches, " "),
	}
}

// subsetMatch reports whether actual contains every key of expected with
// an equal value. Extra keys in actual are fine.
func subsetMatch(expected, actual map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares decoded payload values. Integers compare by value
// across Go types: YAML yields int, CBOR yields uint64 or int64.
func valuesEqual(actual, expected any) bool {
	if a, ok := asInt(actual); ok {
		e, ok := asInt(expected)
		return ok && a == e
	}
	if em, ok := expected.(map[string]any); ok {
		am, ok := actual.(map[string]any)
		return ok && len(am) == len(em) && subsetMatch(em, am)
	}
	if es, ok := expected.([]any); ok {
		as, ok := actual.([]any)
		if !ok || len(as) != len(es) {
			return false
		}
		for i := range es {
			if !valuesEqual(as[i], es[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(actual, expected)
}

// asInt widens any integer type. Values above MaxInt64 are not integers
// a scenario can spell, so they do not match.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), uint64(n) <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	}
	return 0, false
}
