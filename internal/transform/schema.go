// Package transform converts raw legacy point-of-sale rows into canonical
// destination records.
//
// Everything in this package is pure: no I/O, no shared state. Invalid
// field values degrade to NULL plus a diagnostic note; only a record
// without a usable natural key is rejected.
package transform

import "sort"

// Kind is the declared destination type of a field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"

	// KindEpoch stores the validated Unix-seconds integer.
	KindEpoch Kind = "bigint"

	// KindTimestamp stores the ISO-8601 string of a Unix-seconds value.
	KindTimestamp Kind = "timestamp"

	// KindLicenseDate combines year/month/day source columns into YYYY-MM-DD.
	KindLicenseDate Kind = "license_date"
)

// SQLType returns the destination column type for a kind.
func (k Kind) SQLType() string {
	switch k {
	case KindInt, KindEpoch:
		return "BIGINT"
	case KindFloat:
		return "DOUBLE"
	case KindBool:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

// Field declares one destination column and where it comes from.
type Field struct {
	// Name is the destination column.
	Name string

	// Source is the default source column. Unused for KindLicenseDate.
	Source string

	Kind Kind

	// Parts are the year, month and day source columns of a KindLicenseDate.
	Parts [3]string
}

// SourceColumns returns every source column the field reads.
func (f Field) SourceColumns() []string {
	if f.Kind == KindLicenseDate {
		return f.Parts[:]
	}
	return []string{f.Source}
}

// Entity is the field-type table of one canonical table.
type Entity struct {
	// Table is the canonical table name, used both as the default source
	// table and as the destination table.
	Table string

	// Primary marks customers/products/sales.
	Primary bool

	// Key is the source column holding the natural key.
	Key string

	// Location is the source column holding the location code, if any.
	Location string

	// LocationNameField names a field whose value is the location's own
	// name (locations table only).
	LocationNameField string

	Fields []Field
}

// Source columns every legacy table carries.
const (
	ColumnDeleted    = "deleted"
	ColumnModifiedOn = "modified_on"
)

var entities = map[string]*Entity{
	"customers": {
		Table:    "customers",
		Primary:  true,
		Key:      "id",
		Location: "location",
		Fields: []Field{
			{Name: "first_name", Source: "first_name", Kind: KindString},
			{Name: "last_name", Source: "last_name", Kind: KindString},
			{Name: "email", Source: "email", Kind: KindString},
			{Name: "phone", Source: "phone", Kind: KindString},
			{Name: "address", Source: "address", Kind: KindString},
			{Name: "city", Source: "city", Kind: KindString},
			{Name: "state", Source: "state", Kind: KindString},
			{Name: "zip", Source: "zip", Kind: KindString},
			{Name: "medical", Source: "is_medical", Kind: KindBool},
			{Name: "license_number", Source: "license_number", Kind: KindString},
			{Name: "license_expiration", Kind: KindLicenseDate,
				Parts: [3]string{"license_exp_year", "license_exp_month", "license_exp_day"}},
			{Name: "loyalty_points", Source: "loyalty_points", Kind: KindInt},
			{Name: "total_spent", Source: "total_spent", Kind: KindFloat},
			{Name: "source_created_at", Source: "created_on", Kind: KindTimestamp},
			{Name: "modified_on", Source: ColumnModifiedOn, Kind: KindEpoch},
		},
	},
	"products": {
		Table:    "products",
		Primary:  true,
		Key:      "id",
		Location: "location",
		Fields: []Field{
			{Name: "name", Source: "name", Kind: KindString},
			{Name: "sku", Source: "sku", Kind: KindString},
			{Name: "category", Source: "category", Kind: KindString},
			{Name: "brand", Source: "brand", Kind: KindString},
			{Name: "strain_type", Source: "strain_type", Kind: KindString},
			{Name: "price", Source: "price", Kind: KindFloat},
			{Name: "cost", Source: "cost", Kind: KindFloat},
			{Name: "quantity", Source: "quantity", Kind: KindFloat},
			{Name: "unit", Source: "unit", Kind: KindString},
			{Name: "active", Source: "active", Kind: KindBool},
			{Name: "source_created_at", Source: "created_on", Kind: KindTimestamp},
			{Name: "modified_on", Source: ColumnModifiedOn, Kind: KindEpoch},
		},
	},
	"sales": {
		Table:    "sales",
		Primary:  true,
		Key:      "id",
		Location: "location",
		Fields: []Field{
			{Name: "customer_id", Source: "customer_id", Kind: KindString},
			{Name: "employee_id", Source: "employee_id", Kind: KindString},
			{Name: "subtotal", Source: "subtotal", Kind: KindFloat},
			{Name: "discount", Source: "discount", Kind: KindFloat},
			{Name: "tax", Source: "tax", Kind: KindFloat},
			{Name: "total", Source: "total", Kind: KindFloat},
			{Name: "payment_type", Source: "payment_type", Kind: KindString},
			{Name: "status", Source: "status", Kind: KindString},
			{Name: "sale_date", Source: "sale_date", Kind: KindTimestamp},
			{Name: "modified_on", Source: ColumnModifiedOn, Kind: KindEpoch},
		},
	},
	"locations": {
		Table:             "locations",
		Key:               "id",
		Location:          "id",
		LocationNameField: "name",
		Fields: []Field{
			{Name: "name", Source: "name", Kind: KindString},
			{Name: "address", Source: "address", Kind: KindString},
			{Name: "city", Source: "city", Kind: KindString},
			{Name: "state", Source: "state", Kind: KindString},
			{Name: "phone", Source: "phone", Kind: KindString},
			{Name: "license_number", Source: "license_number", Kind: KindString},
			{Name: "modified_on", Source: ColumnModifiedOn, Kind: KindEpoch},
		},
	},
	"payments": {
		Table:    "payments",
		Key:      "id",
		Location: "location",
		Fields: []Field{
			{Name: "sale_id", Source: "sale_id", Kind: KindString},
			{Name: "method", Source: "method", Kind: KindString},
			{Name: "amount", Source: "amount", Kind: KindFloat},
			{Name: "paid_on", Source: "payment_date", Kind: KindTimestamp},
			{Name: "modified_on", Source: ColumnModifiedOn, Kind: KindEpoch},
		},
	},
}

// tableOrder is the order tables are synced in when a request names several:
// locations first so later tables can rely on them.
var tableOrder = []string{"locations", "customers", "products", "sales", "payments"}

// Lookup returns the field-type table of a canonical table.
func Lookup(table string) (*Entity, bool) {
	e, ok := entities[table]
	return e, ok
}

// Tables returns all canonical table names in sync order.
func Tables() []string {
	out := make([]string, len(tableOrder))
	copy(out, tableOrder)
	return out
}

// SortTables orders tables by sync order; unknown tables go last, sorted.
func SortTables(tables []string) []string {
	rank := make(map[string]int, len(tableOrder))
	for i, t := range tableOrder {
		rank[t] = i
	}

	out := make([]string, len(tables))
	copy(out, tables)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	return out
}
