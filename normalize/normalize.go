// Package normalize turns client-supplied SQL source into the
// cache-stable form the compile cache keys on: literal constants are
// hoisted out of the text and replaced by trailing positional parameters,
// so two queries differing only in literal values normalize to the same
// source and share a compiled QueryUnitGroup (spec.md §4.G, GLOSSARY
// "Extracted constant"). Parsing and AST traversal are done with
// pg_query_go/v5, the same real SQL parser PostgreSQL itself is built
// from.
package normalize

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// Postgres OIDs for the scalar types extracted constants and globals are
// encoded as (spec.md §4.G).
const (
	OIDBool   = 16
	OIDInt8   = 20
	OIDInt4   = 23
	OIDFloat8 = 701
	OIDText   = 25
	OIDUUID   = 2950
	OIDUnknown = 705
)

// Constant is one literal hoisted out of a query's source text, in the
// declared order ParamRemap.remap_arguments appends them (spec.md §4.G).
type Constant struct {
	Value   string
	TypeOID uint32
	IsNull  bool
}

// Result is the output of Normalize.
type Result struct {
	// Source is the rewritten query text with every top-level literal
	// replaced by a new trailing $n parameter.
	Source string
	// Variables are the hoisted literal values, in the order their $n
	// placeholders appear.
	Variables []Constant
	// MaxExplicitParam is the highest $n the client's own query used,
	// before any extracted constants were appended.
	MaxExplicitParam int
}

// Normalize parses sql and hoists its literal constants. Multi-statement
// input is returned unchanged (Variables empty): per spec.md §4.F, a
// multi-statement simple-query batch falls back to a non-normalized parse
// and recompile, so normalization only ever applies to a single statement.
func Normalize(sql string) (*Result, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	if tree == nil || len(tree.Stmts) != 1 {
		return &Result{Source: sql}, nil
	}
	stmt := tree.Stmts[0].Stmt
	maxParam := maxParamIndex(stmt)

	var lits []literalRef
	collectConstants(stmt, &lits)
	sort.Slice(lits, func(i, j int) bool { return lits[i].location < lits[j].location })

	b := []byte(sql)
	var out strings.Builder
	out.Grow(len(sql))
	prev := 0
	vars := make([]Constant, 0, len(lits))
	nextParam := maxParam + 1

	for _, lit := range lits {
		if lit.location < 0 || lit.location >= len(b) || lit.location < prev {
			continue
		}
		end := literalEnd(b, lit)
		if end <= lit.location {
			continue
		}
		out.Write(b[prev:lit.location])
		out.WriteByte('$')
		out.WriteString(strconv.Itoa(nextParam))
		vars = append(vars, lit.value)
		nextParam++
		prev = end
	}
	out.Write(b[prev:])

	return &Result{Source: out.String(), Variables: vars, MaxExplicitParam: maxParam}, nil
}

type literalRef struct {
	location int
	kind     string
	value    Constant
}

// literalEnd finds the end offset of the source-text literal lit
// represents, starting from its AST-reported location.
func literalEnd(b []byte, lit literalRef) int {
	switch lit.kind {
	case "string":
		if lit.location >= len(b) || b[lit.location] != '\'' {
			return lit.location
		}
		i := lit.location + 1
		for i < len(b) {
			if b[i] == '\'' {
				if i+1 < len(b) && b[i+1] == '\'' {
					i += 2
					continue
				}
				return i + 1
			}
			i++
		}
		return lit.location
	case "int", "float":
		i := lit.location
		for i < len(b) && (b[i] == '-' || b[i] == '+') {
			i++
		}
		for i < len(b) && (isDigit(b[i]) || b[i] == '.') {
			i++
		}
		if i < len(b) && (b[i] == 'e' || b[i] == 'E') {
			i++
			if i < len(b) && (b[i] == '-' || b[i] == '+') {
				i++
			}
			for i < len(b) && isDigit(b[i]) {
				i++
			}
		}
		return i
	case "bool":
		word := "FALSE"
		if lit.value.Value == "true" {
			word = "TRUE"
		}
		if lit.location+len(word) <= len(b) && strings.EqualFold(string(b[lit.location:lit.location+len(word)]), word) {
			return lit.location + len(word)
		}
		return lit.location
	case "null":
		if lit.location+4 <= len(b) && strings.EqualFold(string(b[lit.location:lit.location+4]), "NULL") {
			return lit.location + 4
		}
		return lit.location
	default:
		return lit.location
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func collectConstants(node *pg_query.Node, out *[]literalRef) {
	walkNodeTree(node, func(n *pg_query.Node) {
		ac := n.GetAConst()
		if ac == nil {
			return
		}
		loc := int(ac.GetLocation())
		if ac.GetIsnull() {
			*out = append(*out, literalRef{location: loc, kind: "null", value: Constant{IsNull: true, TypeOID: OIDUnknown}})
			return
		}
		switch {
		case ac.GetIval() != nil:
			*out = append(*out, literalRef{location: loc, kind: "int",
				value: Constant{Value: strconv.FormatInt(ac.GetIval().GetIval(), 10), TypeOID: OIDInt8}})
		case ac.GetFval() != nil:
			*out = append(*out, literalRef{location: loc, kind: "float",
				value: Constant{Value: ac.GetFval().GetFval(), TypeOID: OIDFloat8}})
		case ac.GetBoolval() != nil:
			v := "false"
			if ac.GetBoolval().GetBoolval() {
				v = "true"
			}
			*out = append(*out, literalRef{location: loc, kind: "bool", value: Constant{Value: v, TypeOID: OIDBool}})
		case ac.GetSval() != nil:
			*out = append(*out, literalRef{location: loc, kind: "string",
				value: Constant{Value: ac.GetSval().GetSval(), TypeOID: OIDText}})
		}
	})
}

func maxParamIndex(stmt *pg_query.Node) int {
	max := 0
	walkNodeTree(stmt, func(n *pg_query.Node) {
		if pr := n.GetParamRef(); pr != nil {
			if int(pr.GetNumber()) > max {
				max = int(pr.GetNumber())
			}
		}
	})
	return max
}

// walkNodeTree visits node and every descendant *pg_query.Node by
// reflecting over the protobuf oneof/struct fields. This mirrors the
// technique PostgreSQL-facing tools in this codebase's lineage use to
// avoid hand-writing a visitor per AST node type.
func walkNodeTree(node *pg_query.Node, visit func(*pg_query.Node)) {
	if node == nil {
		return
	}
	visit(node)
	nodeVal := reflect.ValueOf(node).Elem()
	oneofField := nodeVal.FieldByName("Node")
	if !oneofField.IsValid() || oneofField.IsNil() {
		return
	}
	walkValue(oneofField.Interface(), visit)
}

func walkValue(val interface{}, visit func(*pg_query.Node)) {
	if val == nil {
		return
	}
	v := reflect.ValueOf(val)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}
	nodeType := reflect.TypeOf((*pg_query.Node)(nil))
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if !f.CanInterface() {
			continue
		}
		switch f.Kind() {
		case reflect.Ptr:
			if f.IsNil() {
				continue
			}
			if f.Type().AssignableTo(nodeType) {
				if n, ok := f.Interface().(*pg_query.Node); ok {
					walkNodeTree(n, visit)
				}
			} else if f.Elem().Kind() == reflect.Struct {
				walkValue(f.Interface(), visit)
			}
		case reflect.Slice:
			for j := 0; j < f.Len(); j++ {
				item := f.Index(j)
				if item.Kind() == reflect.Ptr && !item.IsNil() {
					if item.Type().AssignableTo(nodeType) {
						if n, ok := item.Interface().(*pg_query.Node); ok {
							walkNodeTree(n, visit)
						}
					} else if item.Elem().Kind() == reflect.Struct {
						walkValue(item.Interface(), visit)
					}
				}
			}
		}
	}
}
