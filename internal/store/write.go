package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/realmsup/internal/ir"
)

// ErrBindingConflict is returned when a supervisor already has a
// different binding. It is the durable side of the one-shot
// registration rule.
var ErrBindingConflict = errors.New("store: supervisor already bound to a different entity")

// WriteRecord appends a record. Duplicate ids are ignored so a record
// written twice (for example on replay) stays single.
func (s *Store) WriteRecord(ctx context.Context, rec ir.Record) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records
		(id, seq, supervisor, kind, category, badge, component, control_block, sender, code, payload, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Seq,
		rec.Supervisor,
		string(rec.Kind),
		rec.Category,
		int64(rec.Badge),
		rec.Component,
		rec.ControlBlock,
		rec.Sender,
		rec.Code,
		payload,
		rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// WriteBinding records a supervisor's registration. Writing the identical
// binding again is a no-op; a different binding for the same supervisor
// returns ErrBindingConflict.
func (s *Store) WriteBinding(ctx context.Context, b ir.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bindings
		(supervisor, component, control_block, capability_id, badge, seq)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		b.Supervisor,
		b.Component,
		b.ControlBlock,
		b.CapabilityID,
		int64(b.Badge),
		b.Seq,
	)
	if err == nil {
		return nil
	}

	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return fmt.Errorf("write binding: %w", err)
	}

	existing, ok, rerr := s.Binding(ctx, b.Supervisor)
	if rerr != nil {
		return fmt.Errorf("write binding: %w", rerr)
	}
	if ok && existing == b {
		return nil
	}
	return fmt.Errorf("%w: %s is bound to %s/%s", ErrBindingConflict, b.Supervisor, existing.Component, existing.ControlBlock)
}

// WriteTopology stores a compiled topology body under its hash.
func (s *Store) WriteTopology(ctx context.Context, hash string, realm int64, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topologies (hash, realm, body)
		VALUES (?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, realm, string(body))
	if err != nil {
		return fmt.Errorf("write topology: %w", err)
	}
	return nil
}
