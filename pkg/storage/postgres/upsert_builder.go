package postgres

import (
	"fmt"
	"strings"
)

// UpsertBuilder builds a multi-row
// "INSERT ... VALUES (...), (...) ON CONFLICT (conflictCol) DO UPDATE SET ..."
// statement, the batching idiom the transform engine uses to flush ontology
// rows. Modeled on SelectBuilder's ?-to-$N placeholder translation.
type UpsertBuilder struct {
	table       string
	columns     []string
	conflictCol string
	updateCols  []string
	rows        [][]any
}

// NewUpsertBuilder creates a builder for table, inserting into columns and
// de-duplicating on conflictCol. updateCols lists the columns to overwrite
// on conflict; conflictCol itself is never included.
func NewUpsertBuilder(table string, columns []string, conflictCol string, updateCols []string) *UpsertBuilder {
	return &UpsertBuilder{
		table:       table,
		columns:     columns,
		conflictCol: conflictCol,
		updateCols:  updateCols,
	}
}

// AddRow appends one row of values, in the same order as columns.
func (b *UpsertBuilder) AddRow(values ...any) *UpsertBuilder {
	if len(values) != len(b.columns) {
		panic(fmt.Sprintf("upsert_builder: row has %d values, want %d columns", len(values), len(b.columns)))
	}
	b.rows = append(b.rows, values)
	return b
}

// Len reports how many rows have been added.
func (b *UpsertBuilder) Len() int {
	return len(b.rows)
}

// Build returns the final SQL and flattened arguments. Returns ("", nil) if
// no rows were added — callers should skip executing an empty batch.
func (b *UpsertBuilder) Build() (string, []any) {
	if len(b.rows) == 0 {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", b.table, strings.Join(b.columns, ", "))

	args := make([]any, 0, len(b.rows)*len(b.columns))
	argIndex := 1
	for i, row := range b.rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", argIndex)
			argIndex++
			args = append(args, v)
		}
		sb.WriteString(")")
	}

	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET ", b.conflictCol)
	sets := make([]string, len(b.updateCols))
	for i, col := range b.updateCols {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	sb.WriteString(strings.Join(sets, ", "))

	return sb.String(), args
}
