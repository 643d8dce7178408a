package testutil

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// Sheet is a tabular fixture written as one Parquet file: Fields become the
// header row and Cell(row, col) fills every data cell. A nil cell is null.
type Sheet struct {
	Fields []arrow.Field
	Rows   int
	Cell   func(row, col int) any
}

// PeopleSheet is a rows-long roster with a text, integer, nullable float and
// boolean column. Row i holds person_<i>, 20+i, i/2 (null when i%5 == 4) and
// i%3 != 0.
func PeopleSheet(rows int) Sheet {
	return Sheet{
		Fields: []arrow.Field{
			{Name: "name", Type: arrow.BinaryTypes.String},
			{Name: "age", Type: arrow.PrimitiveTypes.Int64},
			{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
			{Name: "active", Type: arrow.FixedWidthTypes.Boolean},
		},
		Rows: rows,
		Cell: func(row, col int) any {
			switch col {
			case 0:
				return fmt.Sprintf("person_%d", row)
			case 1:
				return int64(20 + row)
			case 2:
				if row%5 == 4 {
					return nil
				}
				return float64(row) / 2
			default:
				return row%3 != 0
			}
		},
	}
}

// Parquet encodes the sheet in a single record batch.
func (s Sheet) Parquet() ([]byte, error) {
	sc := arrow.NewSchema(s.Fields, nil)
	builder := array.NewRecordBuilder(memory.DefaultAllocator, sc)
	defer builder.Release()

	for row := range s.Rows {
		for col := range s.Fields {
			if err := appendCell(builder.Field(col), s.Cell(row, col)); err != nil {
				return nil, fmt.Errorf("row %d, field %s: %w", row, s.Fields[col].Name, err)
			}
		}
	}
	rec := builder.NewRecordBatch()
	defer rec.Release()

	var buf bytes.Buffer
	writer, err := pqarrow.NewFileWriter(sc, &buf, nil, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to write record to parquet: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func appendCell(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch b := b.(type) {
	case *array.Int64Builder:
		if n, ok := v.(int64); ok {
			b.Append(n)
			return nil
		}
	case *array.Float64Builder:
		if f, ok := v.(float64); ok {
			b.Append(f)
			return nil
		}
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			b.Append(s)
			return nil
		}
	case *array.BooleanBuilder:
		if t, ok := v.(bool); ok {
			b.Append(t)
			return nil
		}
	case *array.BinaryBuilder:
		if p, ok := v.([]byte); ok {
			b.Append(p)
			return nil
		}
	}
	return fmt.Errorf("cannot append %T to %s", v, b.Type())
}
