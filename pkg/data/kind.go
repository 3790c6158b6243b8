package data

import (
	"fmt"

	"github.com/polisai/upsg/pkg/storage"
)

// Kind names a physical representation of a dataset.
type Kind string

// Built-in representation kinds.
const (
	KindTable  Kind = "table"  // *Table
	KindCSV    Kind = "csv"    // CSVFile
	KindSQL    Kind = "sql"    // SQLTable
	KindObject Kind = "object" // ObjectRef
)

// Phase is the lifecycle state of a Handle.
type Phase int

const (
	PhaseWrite Phase = iota
	PhaseRead
	PhaseReleased
)

func (p Phase) String() string {
	switch p {
	case PhaseWrite:
		return "write"
	case PhaseRead:
		return "read"
	case PhaseReleased:
		return "released"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CSVFile locates a delimited file on local disk.
type CSVFile struct {
	Path      string
	Delimiter rune // ',' when zero
}

func (f CSVFile) delimiter() rune {
	if f.Delimiter == 0 {
		return ','
	}
	return f.Delimiter
}

// SQLTable locates a table in a relational store.
type SQLTable struct {
	Store *storage.SQLStore
	Name  string
}

// ObjectRef locates a delimited file in object storage.
type ObjectRef struct {
	Bucket    string
	Key       string
	Delimiter rune
}
