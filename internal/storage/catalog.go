package storage

import (
	"fmt"
	"sort"
	"strings"
)

// Shape selects how the sanitizer lays out rows of a data source.
type Shape string

const (
	// ShapeDedicated extracts a few scalar columns next to the JSON blob.
	ShapeDedicated Shape = "dedicated"
	// ShapeGeneric stores the whole row as one JSON blob.
	ShapeGeneric Shape = "generic"
)

// Input formats of a data source file.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// Table names outside the per-source staging tables.
const (
	ErrorLogTable = "csv_import_error_logs"
	RunsTable     = "ingest_runs"
)

// DataSource is one entry of the static data-source catalog.
type DataSource struct {
	Code        string
	Description string
	Table       string
	Shape       Shape
	Format      string

	// Required lists source header names that must be present (dedicated
	// shape only).
	Required []string

	spec TableSpec
}

// LoadColumns are the staging columns written by the sanitizer, in order.
// created_at is filled by the database or the importer and is not included.
func (d DataSource) LoadColumns() []string {
	var out []string
	for _, c := range d.spec.Columns {
		if c.Name == "created_at" {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

// TableSpec returns the DDL description of the staging table.
func (d DataSource) TableSpec() TableSpec { return d.spec }

var (
	runID     = ColumnSpec{Name: "run_id", Type: TypeBigInt, NotNull: true}
	data      = ColumnSpec{Name: "data", Type: TypeJSON}
	sheetName = ColumnSpec{Name: "sheet_name", Type: TypeString, Size: 255}
	createdAt = ColumnSpec{Name: "created_at", Type: TypeTimestamp, NotNull: true, DefaultNow: true}
)

func genericSpec(table string) TableSpec {
	return TableSpec{
		Name:       table,
		PrimaryKey: "id",
		Columns:    []ColumnSpec{runID, data, sheetName, createdAt},
		Indexes:    [][]string{{"run_id"}},
	}
}

func genericSource(code, desc, format string) DataSource {
	table := "data_source_" + strings.ToLower(code)
	return DataSource{
		Code:        code,
		Description: desc,
		Table:       table,
		Shape:       ShapeGeneric,
		Format:      format,
		spec:        genericSpec(table),
	}
}

var catalog = map[string]DataSource{
	"BASCAR": {
		Code:        "BASCAR",
		Description: "Base cartera",
		Table:       "data_source_bascar",
		Shape:       ShapeDedicated,
		Format:      FormatCSV,
		Required:    []string{"NUM_TOMADOR", "FECHA_INICIO_VIG", "VALOR_TOTAL_FACT"},
		spec: TableSpec{
			Name:       "data_source_bascar",
			PrimaryKey: "id",
			Columns: []ColumnSpec{
				runID,
				{Name: "num_tomador", Type: TypeString, Size: 50},
				{Name: "fecha_inicio_vig", Type: TypeString, Size: 20},
				{Name: "valor_total_fact", Type: TypeDecimal},
				{Name: "periodo", Type: TypeString, Size: 6},
				{Name: "composite_key", Type: TypeString, Size: 100},
				data,
				{Name: "cantidad_trabajadores", Type: TypeInt},
				{Name: "observacion_trabajadores", Type: TypeText},
				sheetName,
				createdAt,
			},
			Indexes: [][]string{{"run_id"}, {"run_id", "periodo"}, {"run_id", "composite_key"}},
		},
	},
	"BAPRPO": genericSource("BAPRPO", "Base produccion por poliza", FormatCSV),
	"DATPOL": genericSource("DATPOL", "Datos de polizas", FormatCSV),
	"DETTRA": genericSource("DETTRA", "Detalle trabajadores", FormatXLSX),
	"PAGAPL": genericSource("PAGAPL", "Pagos aplicados", FormatXLSX),
	"PAGPLA": genericSource("PAGPLA", "Pagos planilla", FormatXLSX),
}

// LookupDataSource returns the catalog entry for code (case-insensitive).
func LookupDataSource(code string) (DataSource, error) {
	d, ok := catalog[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return DataSource{}, fmt.Errorf("storage: unknown data source %q", code)
	}
	return d, nil
}

// DataSources returns every catalog entry sorted by code.
func DataSources() []DataSource {
	out := make([]DataSource, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ErrorLogSpec describes the import error log table.
func ErrorLogSpec() TableSpec {
	return TableSpec{
		Name:       ErrorLogTable,
		PrimaryKey: "id",
		Columns: []ColumnSpec{
			runID,
			{Name: "data_source_code", Type: TypeString, Size: 50, NotNull: true},
			{Name: "table_name", Type: TypeString, Size: 100, NotNull: true},
			{Name: "line_number", Type: TypeBigInt, NotNull: true},
			{Name: "line_content", Type: TypeText},
			{Name: "error_type", Type: TypeString, Size: 100},
			{Name: "error_message", Type: TypeText, NotNull: true},
			createdAt,
		},
		Indexes: [][]string{{"run_id", "data_source_code"}, {"created_at"}},
	}
}

// RunsSpec describes the run status table. id is supplied by the caller.
func RunsSpec() TableSpec {
	return TableSpec{
		Name: RunsTable,
		Columns: []ColumnSpec{
			{Name: "id", Type: TypeBigInt, NotNull: true},
			{Name: "notice_type", Type: TypeString, Size: 100, NotNull: true},
			{Name: "period", Type: TypeString, Size: 20},
			{Name: "status", Type: TypeString, Size: 30, NotNull: true},
			{Name: "results", Type: TypeJSON},
			{Name: "errors", Type: TypeJSON},
			{Name: "updated_at", Type: TypeTimestamp, NotNull: true, DefaultNow: true},
		},
		Unique: []string{"id"},
	}
}

// AllTables returns every table the pipeline writes to: the staging tables
// in code order, then the error log and the run table.
func AllTables() []TableSpec {
	var out []TableSpec
	for _, d := range DataSources() {
		out = append(out, d.spec)
	}
	return append(out, ErrorLogSpec(), RunsSpec())
}
