package store

import (
	"fmt"
	"strings"

	"github.com/roach88/realmsup/internal/ir"
)

// Filter selects journal records. Zero fields match everything.
type Filter struct {
	Supervisor string
	Kinds      []ir.RecordKind
	Component  string
	Code       string
	// SinceSeq keeps records with seq strictly greater than it.
	SinceSeq int64
	// Limit caps the result; zero means no limit.
	Limit int
}

// compile builds the parameterised query for f. Values are never
// interpolated into the SQL text.
func (f Filter) compile() (string, []any, error) {
	var where []string
	var params []any

	if f.Supervisor != "" {
		where = append(where, "supervisor = ?")
		params = append(params, f.Supervisor)
	}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			if !validKind(k) {
				return "", nil, fmt.Errorf("unknown record kind %q", k)
			}
			placeholders[i] = "?"
			params = append(params, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Component != "" {
		where = append(where, "component = ?")
		params = append(params, f.Component)
	}
	if f.Code != "" {
		where = append(where, "code = ?")
		params = append(params, f.Code)
	}
	if f.SinceSeq > 0 {
		where = append(where, "seq > ?")
		params = append(params, f.SinceSeq)
	}
	if f.Limit < 0 {
		return "", nil, fmt.Errorf("negative limit %d", f.Limit)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, seq, supervisor, kind, category, badge, component, control_block, sender, code, payload, detail FROM records`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY seq ASC, id COLLATE BINARY ASC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, f.Limit)
	}
	return b.String(), params, nil
}

func validKind(k ir.RecordKind) bool {
	for _, known := range ir.RecordKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKinds converts names to record kinds, rejecting unknown ones.
func ParseKinds(names []string) ([]ir.RecordKind, error) {
	kinds := make([]ir.RecordKind, 0, len(names))
	for _, n := range names {
		k := ir.RecordKind(n)
		if !validKind(k) {
			return nil, fmt.Errorf("unknown record kind %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
