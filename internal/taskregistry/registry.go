// Package taskregistry holds the named synchronous handlers spec.md
// §4.7 describes: the step executor looks a task step's task_handler
// name up here and invokes it directly, in process, with no queueing
// layer of its own. Grounded directly on the teacher's
// internal/worker/registry.go, generalized from a bespoke map type to
// satisfy ports.TaskRegistry.
package taskregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"workflowkernel/internal/domain"

	"workflowkernel/internal/core/ports"
)

// Registry is the in-process map backing ports.TaskRegistry.
type Registry struct {
	handlers map[string]ports.TaskHandler
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]ports.TaskHandler)}
}

// Register binds name to handler, overwriting any prior binding.
func (r *Registry) Register(name string, handler ports.TaskHandler) {
	r.handlers[name] = handler
}

// Lookup satisfies ports.TaskRegistry.
func (r *Registry) Lookup(name string) (ports.TaskHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// InitDefault wires the registry's example handlers, mirroring the
// teacher's InitRegistry: illustrative, side-effect-free stand-ins for
// the external calls (email provider, payment processor) a real
// deployment would register in their place.
func InitDefault() *Registry {
	r := New()

	r.Register("send_notification", func(ctx context.Context, input []byte) ([]byte, error) {
		var req struct {
			Recipient string `json:"recipient"`
			Message   string `json:"message"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("%w: send_notification input: %v", domain.ErrValidation, err)
		}
		log.Printf("taskregistry: send_notification recipient=%s", req.Recipient)
		return json.Marshal(map[string]string{"status": "sent"})
	})

	r.Register("charge_payment", func(ctx context.Context, input []byte) ([]byte, error) {
		var req struct {
			AmountCents int    `json:"amount_cents"`
			Currency    string `json:"currency"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("%w: charge_payment input: %v", domain.ErrValidation, err)
		}
		log.Printf("taskregistry: charge_payment amount_cents=%d currency=%s", req.AmountCents, req.Currency)
		return json.Marshal(map[string]string{"transaction_id": "txn_simulated"})
	})

	r.Register("noop", func(ctx context.Context, input []byte) ([]byte, error) {
		return input, nil
	})

	return r
}
