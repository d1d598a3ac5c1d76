package pgview

import "github.com/mevdschee/dbfrontend/compiler"

// Portal is a named or unnamed bound statement ready for rows to be
// fetched (spec.md GLOSSARY). The unit it was bound against is retained so
// Describe/Execute can replay the compiled shape without recompiling.
type Portal struct {
	Name string
	Unit compiler.QueryUnit
}
