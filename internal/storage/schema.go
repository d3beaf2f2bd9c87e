package storage

// ColumnType is a backend-neutral column type. Each backend maps it to its
// own DDL type.
type ColumnType string

const (
	TypeBigInt    ColumnType = "bigint"
	TypeInt       ColumnType = "int"
	TypeString    ColumnType = "string" // bounded by ColumnSpec.Size
	TypeText      ColumnType = "text"
	TypeJSON      ColumnType = "json"
	TypeDecimal   ColumnType = "decimal" // 15,2
	TypeTimestamp ColumnType = "timestamp"
)

// TableSpec describes one table the store must be able to create.
type TableSpec struct {
	Name string `json:"name"`

	// PrimaryKey, when set, is an auto-generated bigint identity column that
	// is not part of Columns.
	PrimaryKey string `json:"primary_key,omitempty"`

	Columns []ColumnSpec `json:"columns"`

	// Unique, when set, is a UNIQUE constraint over existing columns.
	Unique []string `json:"unique,omitempty"`

	// Indexes lists non-unique indexes as column groups.
	Indexes [][]string `json:"indexes,omitempty"`
}

// ColumnSpec is one column of a TableSpec.
type ColumnSpec struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	Size    int        `json:"size,omitempty"`
	NotNull bool       `json:"not_null,omitempty"`

	// DefaultNow makes a timestamp column default to the current time.
	DefaultNow bool `json:"default_now,omitempty"`
}

// ColumnNames returns the names of t.Columns in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}
