package compiler

import (
	"context"

	"github.com/mevdschee/dbfrontend/normalize"
)

// PassthroughClient compiles PostgreSQL-dialect SQL by normalizing and
// classifying it locally instead of dispatching to a remote EdgeQL compiler
// worker pool (spec.md §1 deliberately puts that pool out of scope). It
// gives the PG-compatible frontend a real, exercised path through
// normalization and parameter remapping without depending on unbuilt
// infrastructure; EdgeQL source compilation is not implemented, since no
// EdgeQL grammar or schema catalog exists in this module.
type PassthroughClient struct{}

// NewPassthroughClient returns the default compiler.Client used when no
// external compiler pool is configured.
func NewPassthroughClient() *PassthroughClient { return &PassthroughClient{} }

func (c *PassthroughClient) Compile(ctx context.Context, req QueryRequestInfo) (*QueryUnitGroup, error) {
	return nil, &unsupportedError{"EdgeQL compilation"}
}

func (c *PassthroughClient) CompileSQL(ctx context.Context, sourceSQL string, req QueryRequestInfo) (*QueryUnitGroup, error) {
	norm, err := normalize.Normalize(sourceSQL)
	if err != nil {
		return nil, err
	}
	class := Classify(sourceSQL)

	extras := make([]ExtraConstant, len(norm.Variables))
	for i, v := range norm.Variables {
		extras[i] = ExtraConstant{Value: v.Value, TypeOID: v.TypeOID, IsNull: v.IsNull}
	}

	caps := Capability(0)
	if class.IsDDL {
		caps |= CapDDL
	}
	switch class.CommandTag {
	case "INSERT", "UPDATE", "DELETE":
		caps |= CapModifications
	}
	if class.TxAction != TxNone {
		caps |= CapTransaction
	}

	unit := QueryUnit{
		StatusTag:          class.CommandTag,
		Capabilities:       caps,
		IsDDL:              class.IsDDL,
		TxAction:           class.TxAction,
		SavepointName:      class.SavepointName,
		SQL:                norm.Source,
		Cardinality:        cardinalityFor(class),
		StmtOp:             class.StmtOp,
		StmtName:           class.StmtName,
		ExternalParamCount: norm.MaxExplicitParam,
		ExtraConstants:     extras,
	}
	return &QueryUnitGroup{Units: []QueryUnit{unit}}, nil
}

func cardinalityFor(c Classification) Cardinality {
	if c.CommandTag == "SELECT" {
		return CardinalityMany
	}
	return CardinalityNoResult
}

func (c *PassthroughClient) CompileDumpPrologue(ctx context.Context, dbName string) (*DumpPrologue, error) {
	return nil, &unsupportedError{"dump"}
}

func (c *PassthroughClient) CompileRestorePrologue(ctx context.Context, dbName string, header RestoreHeader) (*RestorePrologue, error) {
	return nil, &unsupportedError{"restore"}
}

type unsupportedError struct{ feature string }

func (e *unsupportedError) Error() string { return "compiler: " + e.feature + " is not supported by PassthroughClient" }
