package data

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/upsg/pkg/domain"
)

// RegisterBuiltins installs the table↔csv, table↔sql and csv↔object
// converters. Other pairs are reached through path search.
func RegisterBuiltins(r *Registry) {
	r.Register(KindTable, KindCSV, tableToCSV)
	r.Register(KindCSV, KindTable, csvToTable)
	r.Register(KindTable, KindSQL, tableToSQL)
	r.Register(KindSQL, KindTable, sqlToTable)
	r.Register(KindCSV, KindObject, csvToObject)
	r.Register(KindObject, KindCSV, objectToCSV)
}

func tableToCSV(ctx context.Context, c Conversion, src any) (any, error) {
	t, ok := src.(*Table)
	if !ok {
		return nil, fmt.Errorf("%w: want *Table, got %T", domain.ErrContractViolation, src)
	}
	path, err := c.Scope.TempFile(c.Env.tempDir(), "upsg-*.csv")
	if err != nil {
		return nil, err
	}
	if err := WriteCSV(ctx, path, ',', t); err != nil {
		return nil, err
	}
	return CSVFile{Path: path, Delimiter: ','}, nil
}

func csvToTable(ctx context.Context, _ Conversion, src any) (any, error) {
	f, ok := src.(CSVFile)
	if !ok {
		return nil, fmt.Errorf("%w: want CSVFile, got %T", domain.ErrContractViolation, src)
	}
	return ReadCSVFile(ctx, f.Path, f.delimiter())
}

func tableToSQL(ctx context.Context, c Conversion, src any) (any, error) {
	t, ok := src.(*Table)
	if !ok {
		return nil, fmt.Errorf("%w: want *Table, got %T", domain.ErrContractViolation, src)
	}
	if c.Env == nil || c.Env.SQL == nil {
		return nil, fmt.Errorf("%w: no sql store", domain.ErrNoBackend)
	}
	name, err := c.Scope.TempTable(c.Env.SQL)
	if err != nil {
		return nil, err
	}
	if err := c.Env.SQL.CreateTable(ctx, name, t.Columns, t.Rows); err != nil {
		return nil, err
	}
	return SQLTable{Store: c.Env.SQL, Name: name}, nil
}

func sqlToTable(ctx context.Context, _ Conversion, src any) (any, error) {
	ref, ok := src.(SQLTable)
	if !ok {
		return nil, fmt.Errorf("%w: want SQLTable, got %T", domain.ErrContractViolation, src)
	}
	columns, rows, err := ref.Store.ReadTable(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		for i, v := range row {
			row[i] = normalizeValue(v)
		}
	}
	return &Table{Columns: columns, Rows: rows}, nil
}

func csvToObject(ctx context.Context, c Conversion, src any) (any, error) {
	f, ok := src.(CSVFile)
	if !ok {
		return nil, fmt.Errorf("%w: want CSVFile, got %T", domain.ErrContractViolation, src)
	}
	if c.Env == nil || c.Env.Objects == nil {
		return nil, fmt.Errorf("%w: no object store", domain.ErrNoBackend)
	}
	key, err := c.Scope.TempObject(c.Env.Objects, ".csv")
	if err != nil {
		return nil, err
	}
	if err := c.Env.Objects.Upload(ctx, "", key, f.Path, "text/csv"); err != nil {
		return nil, err
	}
	return ObjectRef{Bucket: c.Env.Objects.Bucket(), Key: key, Delimiter: f.delimiter()}, nil
}

func objectToCSV(ctx context.Context, c Conversion, src any) (any, error) {
	ref, ok := src.(ObjectRef)
	if !ok {
		return nil, fmt.Errorf("%w: want ObjectRef, got %T", domain.ErrContractViolation, src)
	}
	if c.Env == nil || c.Env.Objects == nil {
		return nil, fmt.Errorf("%w: no object store", domain.ErrNoBackend)
	}
	path, err := c.Scope.TempFile(c.Env.tempDir(), "upsg-*.csv")
	if err != nil {
		return nil, err
	}
	if err := c.Env.Objects.Download(ctx, ref.Bucket, ref.Key, path); err != nil {
		return nil, err
	}
	delim := ref.Delimiter
	if delim == 0 {
		delim = ','
	}
	return CSVFile{Path: path, Delimiter: delim}, nil
}

// WriteCSV writes t to path with a header row.
func WriteCSV(ctx context.Context, path string, delim rune, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	err = EncodeCSV(ctx, bw, delim, t)
	if err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// EncodeCSV writes t to w with a header row.
func EncodeCSV(ctx context.Context, w io.Writer, delim rune, t *Table) error {
	cw := csv.NewWriter(w)
	cw.Comma = delim
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for i, row := range t.Rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for j, v := range row {
			record[j] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSVFile parses a delimited file with a header row. Column types are
// inferred: a column whose non-empty cells all parse as integers becomes
// int64, then float64, then bool; anything else stays string. Empty cells are
// nil.
func ReadCSVFile(ctx context.Context, path string, delim rune) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = delim

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s header: %w", path, err)
	}

	var records [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		records = append(records, rec)
		if len(records)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}

	parsers := make([]func(string) any, len(header))
	for col := range header {
		parsers[col] = inferParser(records, col)
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		row := make([]any, len(header))
		for col, cell := range rec {
			if cell == "" {
				continue
			}
			row[col] = parsers[col](cell)
		}
		rows[i] = row
	}
	return &Table{Columns: header, Rows: rows}, nil
}

func inferParser(records [][]string, col int) func(string) any {
	isInt, isFloat, isBool := true, true, true
	seen := false
	for _, rec := range records {
		cell := rec[col]
		if cell == "" {
			continue
		}
		seen = true
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(cell, 64); err != nil {
				isFloat = false
			}
		}
		if isBool {
			lower := strings.ToLower(cell)
			if lower != "true" && lower != "false" {
				isBool = false
			}
		}
		if !isInt && !isFloat && !isBool {
			break
		}
	}

	switch {
	case !seen:
		return func(s string) any { return s }
	case isInt:
		return func(s string) any {
			v, _ := strconv.ParseInt(s, 10, 64)
			return v
		}
	case isFloat:
		return func(s string) any {
			v, _ := strconv.ParseFloat(s, 64)
			return v
		}
	case isBool:
		return func(s string) any { return strings.EqualFold(s, "true") }
	default:
		return func(s string) any { return s }
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// normalizeValue maps driver values onto the Table value set.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return v
	}
}
