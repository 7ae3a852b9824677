package supervisor

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/realmsup/internal/badge"
	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/testutil"
)

func newQuietSupervisor() (*Supervisor, *endpoint.Endpoint) {
	ep := endpoint.New("prop_ep", endpoint.WithLogger(testutil.DiscardLogger()))
	sup, err := New("prop", ep, WithLogger(testutil.DiscardLogger()))
	if err != nil {
		panic(err)
	}
	return sup, ep
}

// Only the first of any sequence of registrations succeeds, and request
// grants interleaved anywhere never change the binding.
func TestRegistration_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("first register wins, later ones are topology errors", prop.ForAll(
		func(registrations int, grantsBefore int, grantsBetween int) bool {
			sup, ep := newQuietSupervisor()
			defer ep.Close()
			ctx := context.Background()

			for i := 0; i < grantsBefore; i++ {
				if _, err := sup.GrantRequestCapability(ctx, endpoint.SenderID(fmt.Sprintf("pre-%d", i)), 0); err != nil {
					return false
				}
				if _, bound := sup.BoundEntity(); bound || sup.State() != Unbound {
					return false
				}
			}

			first := EntityRef{Component: "c0", ControlBlock: "tcb0"}
			for i := 0; i < registrations; i++ {
				ref := EntityRef{Component: fmt.Sprintf("c%d", i), ControlBlock: fmt.Sprintf("tcb%d", i)}
				c, err := sup.Register(ctx, ref)
				if i == 0 {
					if err != nil || c.Badge() != badge.DefaultFault {
						return false
					}
				} else if !IsTopologyError(err) {
					return false
				}

				for g := 0; g < grantsBetween; g++ {
					rc, err := sup.GrantRequestCapability(ctx, endpoint.SenderID(fmt.Sprintf("mid-%d-%d", i, g)), endpoint.RightGrantReply)
					if err != nil || rc.Badge() != badge.DefaultRequest {
						return false
					}
				}

				got, ok := sup.BoundEntity()
				if !ok || got != first || sup.State() != Bound {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 5),
		gen.IntRange(0, 5),
	))

	properties.Property("request and fault capabilities never share a badge", prop.ForAll(
		func(grants int) bool {
			sup, ep := newQuietSupervisor()
			defer ep.Close()
			ctx := context.Background()

			capF, err := sup.Register(ctx, EntityRef{Component: "e"})
			if err != nil {
				return false
			}
			for i := 0; i < grants; i++ {
				capR, err := sup.GrantRequestCapability(ctx, "client", endpoint.RightGrantReply)
				if err != nil || capR.Badge() == capF.Badge() {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// Every message sent through a capability is classified by the badge it
// was granted with, whatever the payload claims.
func TestClassification_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("payload cannot change the category", prop.ForAll(
		func(claim string, asFault bool) bool {
			sup, ep := newQuietSupervisor()
			defer ep.Close()
			ctx := context.Background()

			capF, err := sup.Register(ctx, EntityRef{Component: "e"})
			if err != nil {
				return false
			}
			capR, err := sup.GrantRequestCapability(ctx, "client", 0)
			if err != nil {
				return false
			}

			send := capR
			want := badge.Request
			if asFault {
				send, want = capF, badge.Fault
			}
			if err := send.Send(ctx, endpoint.Payload{"category": claim, "badge": claim}); err != nil {
				return false
			}

			d, err := ep.Receive(ctx)
			if err != nil {
				return false
			}
			msg, err := sup.classify(d)
			return err == nil && msg.Category() == want
		},
		gen.OneConstOf("FAULT", "REQUEST", "1", "2"),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
