package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xtxerr/possync/internal/errors"
)

// Row is one raw source row keyed by lower-case column name.
type Row map[string]any

// Get returns the value of a column, nil when absent.
func (r Row) Get(column string) any {
	if column == "" {
		return nil
	}
	return r[strings.ToLower(column)]
}

// Mapping holds one source's deviations from the canonical source schema.
type Mapping struct {
	// Table overrides the source table name.
	Table string

	// Columns maps canonical source column → actual source column.
	Columns map[string]string
}

// SourceTable returns the table to query for entity e.
func (m Mapping) SourceTable(e *Entity) string {
	if m.Table != "" {
		return m.Table
	}
	return e.Table
}

// Column resolves a canonical source column through the mapping.
func (m Mapping) Column(canonical string) string {
	if actual, ok := m.Columns[canonical]; ok && actual != "" {
		return strings.ToLower(actual)
	}
	return canonical
}

// Value is one canonical field value. V is nil, string, int64, float64 or bool.
type Value struct {
	Name string
	Kind Kind
	V    any
}

// Record is a canonical destination row.
//
// Records are transient: they live for one transform→reconcile step.
type Record struct {
	Table string

	// SourceID is the database_source provenance column; (SourceID, Key)
	// is the destination identity.
	SourceID string
	Key      string

	// LocationCode is the source-local location code, nil when absent.
	LocationCode *int64

	// LocationName is filled in by the location resolver, or taken from
	// the row itself for locations.
	LocationName *string

	// Fields are ordered like Entity.Fields.
	Fields []Value

	// Hash covers the business fields and the location name.
	Hash uint64

	// Notes are diagnostics for fields that were nulled.
	Notes []string
}

// Field returns the value of a named field.
func (r *Record) Field(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.V, true
		}
	}
	return nil, false
}

// SetLocationName sets the resolved location name and refreshes the hash.
func (r *Record) SetLocationName(name string) {
	if r.LocationName != nil {
		return
	}
	r.LocationName = &name
	r.Hash = r.computeHash()
}

func (r *Record) computeHash() uint64 {
	b := NewHashBuilder().String(r.Table).OptionalString(r.LocationName)
	for _, f := range r.Fields {
		b.String(f.Name).Value(f.V)
	}
	return b.Build()
}

// Transform converts one raw row into a canonical record of entity e.
//
// Field problems never fail the record: the field becomes nil and a note is
// recorded. The only error is a missing or malformed natural key, returned
// as a record-scoped ErrTransform.
func Transform(sourceID string, row Row, e *Entity, m Mapping) (*Record, error) {
	key, err := CanonicalKey(row.Get(m.Column(e.Key)))
	if err != nil {
		return nil, errors.NewTransform("", err.Error())
	}

	rec := &Record{
		Table:    e.Table,
		SourceID: sourceID,
		Key:      key,
		Fields:   make([]Value, 0, len(e.Fields)),
	}

	if e.Location != "" {
		if code, ok := parseInteger(row.Get(m.Column(e.Location))); ok {
			rec.LocationCode = &code
		}
	}

	for _, f := range e.Fields {
		v, note := convertField(row, f, m)
		if note != "" {
			rec.Notes = append(rec.Notes, fmt.Sprintf("%s: %s", f.Name, note))
		}
		rec.Fields = append(rec.Fields, Value{Name: f.Name, Kind: f.Kind, V: v})
	}

	if e.LocationNameField != "" {
		if name, ok := rec.Field(e.LocationNameField); ok && name != nil {
			s := name.(string)
			rec.LocationName = &s
		}
	}

	rec.Hash = rec.computeHash()
	return rec, nil
}

func convertField(row Row, f Field, m Mapping) (any, string) {
	switch f.Kind {
	case KindLicenseDate:
		parts := [3]any{}
		blank := true
		for i, col := range f.Parts {
			parts[i] = row.Get(m.Column(col))
			if !isBlank(parts[i]) {
				blank = false
			}
		}
		if blank {
			return nil, ""
		}
		date, ok := ValidateLicenseDate(parts[0], parts[1], parts[2])
		if !ok {
			return nil, fmt.Sprintf("invalid date %v-%v-%v", parts[0], parts[1], parts[2])
		}
		return date, ""

	case KindEpoch, KindTimestamp:
		raw := row.Get(m.Column(f.Source))
		if isBlank(raw) {
			return nil, ""
		}
		v := ConvertTimestamp(raw, f.Kind)
		if v == nil {
			return nil, fmt.Sprintf("timestamp out of range: %v", raw)
		}
		return v, ""

	case KindInt:
		return toInt(row.Get(m.Column(f.Source)))
	case KindFloat:
		return toFloat(row.Get(m.Column(f.Source)))
	case KindBool:
		return toBool(row.Get(m.Column(f.Source)))
	default:
		return toString(row.Get(m.Column(f.Source)))
	}
}

// CanonicalKey canonicalizes a natural key to its string form.
//
// Integer-valued keys, whether they arrive as numbers or numeric strings,
// become their decimal representation, so 12, "12", "0012" and 12.0 are the
// same key. Other strings are trimmed. NULL, empty and non-scalar keys fail.
func CanonicalKey(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", fmt.Errorf("missing natural key")
	case bool:
		return "", fmt.Errorf("natural key is a boolean")
	case float32:
		return canonicalFloatKey(float64(v))
	case float64:
		return canonicalFloatKey(v)
	case string:
		return canonicalStringKey(v)
	case []byte:
		return canonicalStringKey(string(v))
	}
	if i, ok := parseInteger(raw); ok {
		return strconv.FormatInt(i, 10), nil
	}
	return "", fmt.Errorf("unsupported natural key type %T", raw)
}

func canonicalFloatKey(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("natural key is not finite")
	}
	if i, ok := floatToInt(f); ok {
		return strconv.FormatInt(i, 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func canonicalStringKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty natural key")
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return s, nil
}
