package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/realmsup/internal/ir"
)

// ReadRecords returns the records matching f in journal order.
// Returns an empty slice, not nil, when nothing matches.
func (s *Store) ReadRecords(ctx context.Context, f Filter) ([]ir.Record, error) {
	query, params, err := f.compile()
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (ir.Record, error) {
	var rec ir.Record
	var kind string
	var b int64
	var payload []byte

	if err := rows.Scan(
		&rec.ID,
		&rec.Seq,
		&rec.Supervisor,
		&kind,
		&rec.Category,
		&b,
		&rec.Component,
		&rec.ControlBlock,
		&rec.Sender,
		&rec.Code,
		&payload,
		&rec.Detail,
	); err != nil {
		return ir.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Kind = ir.RecordKind(kind)
	rec.Badge = uint64(b)

	p, err := unmarshalPayload(payload)
	if err != nil {
		return ir.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Payload = p
	return rec, nil
}

// Binding returns the binding of supervisor, if any.
func (s *Store) Binding(ctx context.Context, supervisor string) (ir.Binding, bool, error) {
	var b ir.Binding
	var badge int64
	err := s.db.QueryRowContext(ctx, `
		SELECT supervisor, component, control_block, capability_id, badge, seq
		FROM bindings
		WHERE supervisor = ?
	`, supervisor).Scan(&b.Supervisor, &b.Component, &b.ControlBlock, &b.CapabilityID, &badge, &b.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Binding{}, false, nil
	}
	if err != nil {
		return ir.Binding{}, false, fmt.Errorf("read binding: %w", err)
	}
	b.Badge = uint64(badge)
	return b, true, nil
}

// ReadBindings returns every binding ordered by supervisor name.
func (s *Store) ReadBindings(ctx context.Context) ([]ir.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT supervisor, component, control_block, capability_id, badge, seq
		FROM bindings
		ORDER BY supervisor COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()

	bindings := []ir.Binding{}
	for rows.Next() {
		var b ir.Binding
		var badge int64
		if err := rows.Scan(&b.Supervisor, &b.Component, &b.ControlBlock, &b.CapabilityID, &badge, &b.Seq); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.Badge = uint64(badge)
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return bindings, nil
}

// TopologyRow is a stored topology.
type TopologyRow struct {
	Hash  string
	Realm int64
	Body  string
}

// ReadTopologies returns every stored topology ordered by hash.
func (s *Store) ReadTopologies(ctx context.Context) ([]TopologyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, realm, body FROM topologies ORDER BY hash COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query topologies: %w", err)
	}
	defer rows.Close()

	out := []TopologyRow{}
	for rows.Next() {
		var t TopologyRow
		if err := rows.Scan(&t.Hash, &t.Realm, &t.Body); err != nil {
			return nil, fmt.Errorf("scan topology: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topologies: %w", err)
	}
	return out, nil
}

// Stats summarises the journal.
type Stats struct {
	Records     int
	ByKind      map[ir.RecordKind]int
	Supervisors int
	Bindings    int
	LastSeq     int64
}

// Stats counts records by kind and reports the highest seq, which a
// restarted realm resumes its clock from.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByKind: make(map[ir.RecordKind]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind ORDER BY kind`)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		st.ByKind[ir.RecordKind(kind)] = n
		st.Records += n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT supervisor), COALESCE(MAX(seq), 0) FROM records
	`).Scan(&st.Supervisors, &st.LastSeq); err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bindings`).Scan(&st.Bindings); err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}
