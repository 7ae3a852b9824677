package composition

import (
	"context"
	"log/slog"

	"github.com/roach88/realmsup/internal/endpoint"
	"github.com/roach88/realmsup/internal/supervisor"
)

// Ops understood by the default request handler.
const (
	OpPing   = "ping"
	OpStatus = "status"
)

// defaultRequestHandler answers ping and status; one-way requests get no
// answer. The supervisor is looked up lazily because the handler is
// installed before New returns it.
func (c *Context) defaultRequestHandler(name string) supervisor.RequestHandler {
	return supervisor.RequestHandlerFunc(func(_ context.Context, msg supervisor.RequestMessage) (endpoint.Payload, error) {
		if !msg.CanReply {
			return nil, nil
		}
		switch msg.Op() {
		case OpPing:
			return endpoint.Payload{"ok": true}, nil
		case OpStatus:
			sup := c.supervisors[name]
			resp := endpoint.Payload{
				"ok":     true,
				"state":  sup.State().String(),
				"faults": sup.Faults(),
			}
			if ref, ok := sup.BoundEntity(); ok {
				resp["entity"] = ref.String()
			}
			return resp, nil
		default:
			return endpoint.Payload{"ok": false, "error": "unknown op " + msg.Op()}, nil
		}
	})
}

// loggingFaultHandler is installed when no fault handler is configured.
// Recovery policy belongs to the embedding application.
func loggingFaultHandler(logger *slog.Logger) supervisor.FaultHandler {
	return supervisor.FaultHandlerFunc(func(_ context.Context, msg supervisor.FaultMessage) error {
		logger.Info("fault observed; no recovery policy configured",
			"entity", msg.Entity.String(),
			"reason", msg.Reason())
		return nil
	})
}
