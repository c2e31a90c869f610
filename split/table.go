package split

import (
	"fmt"
	"strings"
)

type TableID struct {
	Schema string
	Table  string
}

func NewTableID(schema, table string) TableID {
	return TableID{Schema: schema, Table: table}
}

func (t TableID) String() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// ParseTableID accepts "schema.table" or a bare table name, which is placed in
// the public schema.
func ParseTableID(s string) (TableID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TableID{}, fmt.Errorf("table id cannot be empty")
	}

	schema, table, found := strings.Cut(s, ".")
	if !found {
		return TableID{Schema: "public", Table: s}, nil
	}

	if schema == "" || table == "" || strings.Contains(table, ".") {
		return TableID{}, fmt.Errorf("invalid table id: %s", s)
	}

	return TableID{Schema: schema, Table: table}, nil
}
