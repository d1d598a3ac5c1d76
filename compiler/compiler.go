// Package compiler defines the call shape of the SQL/EdgeQL compiler pool:
// a remote worker pool invoked by RPC, specified here only as types and an
// interface (spec.md §1, "DELIBERATELY OUT OF SCOPE"). Every frontend that
// issues a query depends on these types to describe what it is asking for
// and what it gets back.
package compiler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Capability is a permission bit on a compiled query unit.
type Capability uint64

const (
	CapModifications Capability = 1 << iota
	CapDDL
	CapTransaction
	CapSessionConfig
	CapPersistentConfig
	CapSystemConfig
)

func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

// Allows reports whether required is satisfiable given allowed, per
// spec.md §3: a request succeeds iff required & ~allowed == 0.
func Allows(required, allowed Capability) bool {
	return required & ^allowed == 0
}

func (c Capability) String() string {
	names := []struct {
		bit  Capability
		name string
	}{
		{CapModifications, "MODIFICATIONS"},
		{CapDDL, "DDL"},
		{CapTransaction, "TRANSACTION"},
		{CapSessionConfig, "SESSION_CONFIG"},
		{CapPersistentConfig, "PERSISTENT_CONFIG"},
		{CapSystemConfig, "SYSTEM_CONFIG"},
	}
	if c == 0 {
		return "NONE"
	}
	out := ""
	for _, n := range names {
		if c.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// TxAction identifies the transaction-control effect of a compiled unit,
// driving PgConnectionView.OnSuccess dispatch (spec.md §4.E).
type TxAction int

const (
	TxNone TxAction = iota
	TxStart
	TxCommit
	TxRollback
	TxDeclareSavepoint
	TxReleaseSavepoint
	TxRollbackToSavepoint
)

// StmtOp identifies a statement-level PREPARE/EXECUTE/DEALLOCATE embedded
// in a compiled unit (spec.md §4.H).
type StmtOp int

const (
	StmtOpNone StmtOp = iota
	StmtOpPrepare
	StmtOpExecute
	StmtOpDeallocate
)

// Cardinality is the compiler's expectation of the row count a unit
// returns.
type Cardinality int

const (
	CardinalityNoResult Cardinality = iota
	CardinalityAtMostOne
	CardinalityMany
)

// OutputFormat is the wire encoding the client asked results to be
// returned in.
type OutputFormat int

const (
	OutputFormatBinary OutputFormat = iota
	OutputFormatJSON
	OutputFormatNone
)

// ProtocolVersion is a (major, minor) EdgeDB binary protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

func (v ProtocolVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Less reports whether v sorts before o (used for protocol clamping).
func (v ProtocolVersion) Less(o ProtocolVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// Clamp restricts v to [min, max].
func (v ProtocolVersion) Clamp(min, max ProtocolVersion) ProtocolVersion {
	if v.Less(min) {
		return min
	}
	if max.Less(v) {
		return max
	}
	return v
}

// TypeDescriptor names one input or output type of a compiled unit, by
// both its stable UUID and a human-readable name for debug descriptors.
type TypeDescriptor struct {
	ID   uuid.UUID
	Name string
}

// ConfigOp is one CONFIGURE-statement side effect a unit asks the frontend
// (or backend) to apply.
type ConfigOp struct {
	Scope string // "session", "database", or "system"
	Name  string
	Value string
}

// QueryUnit is one compiled SQL statement plus the metadata the frontend
// needs to drive transaction state, capability checks and result decoding
// (spec.md §3).
type QueryUnit struct {
	StatusTag    string
	Capabilities Capability
	IsDDL        bool
	TxAction     TxAction
	SavepointName string

	SQL string

	InTypes  []TypeDescriptor
	OutTypes []TypeDescriptor
	InTypeID  uuid.UUID
	OutTypeID uuid.UUID

	Cardinality Cardinality
	ConfigOps   []ConfigOp

	StmtOp          StmtOp
	StmtName        string // user-visible PREPARE/EXECUTE/DEALLOCATE target
	BackendStmtName string // compiler-generated backend-resident name

	// ExternalParamCount is the number of parameters the client itself
	// supplies; ExtraConstants/ExtraGlobalKeys describe the hidden
	// parameters ParamRemap appends after them, in declared order
	// (spec.md §3, §4.G).
	ExternalParamCount int
	ExtraConstants     []ExtraConstant
	ExtraGlobalKeys    []ExtraGlobal
}

// ExtraConstant is one extracted-constant hidden parameter (spec.md §4.G).
type ExtraConstant struct {
	Value   string
	TypeOID uint32
	IsNull  bool
}

// ExtraGlobal is one global-setting hidden parameter (spec.md §4.G).
type ExtraGlobal struct {
	SettingKey string // e.g. "global default::current_user_id"
	TypeOID    uint32
}

// QueryUnitGroup is an ordered group of compiled units, e.g. one per
// semicolon-separated statement in a simple-query batch.
type QueryUnitGroup struct {
	Units []QueryUnit
}

// QueryRequestInfo is the compile cache's input fingerprint (spec.md §3).
// Equality and hashing are defined over the whole tuple via Key.
type QueryRequestInfo struct {
	NormalizedSource    string
	ProtocolVersion     ProtocolVersion
	OutputFormat        OutputFormat
	ExpectedCardinality Cardinality
	ImplicitLimit       uint64
	InlineTypeIDs       bool
	InlineTypeNames     bool
	InlineObjectIDs     bool
	AllowCapabilities   Capability
}

// Key renders a canonical string suitable as a map/cache key. Every field
// that participates in equality/hashing is represented.
func (q QueryRequestInfo) Key() string {
	return fmt.Sprintf("%s\x00%s\x00%d\x00%d\x00%d\x00%t\x00%t\x00%t\x00%d",
		q.NormalizedSource,
		q.ProtocolVersion,
		q.OutputFormat,
		q.ExpectedCardinality,
		q.ImplicitLimit,
		q.InlineTypeIDs,
		q.InlineTypeNames,
		q.InlineObjectIDs,
		uint64(q.AllowCapabilities),
	)
}

// Client is the RPC call shape exposed by the compiler worker pool. Its
// implementation (dispatch, load balancing, worker lifecycle) is outside
// this module's scope; frontends depend only on this interface.
type Client interface {
	// Compile turns EdgeQL source (already present in req) into a
	// QueryUnitGroup.
	Compile(ctx context.Context, req QueryRequestInfo) (*QueryUnitGroup, error)
	// CompileSQL turns PostgreSQL-dialect SQL source into a QueryUnitGroup,
	// used by the PgFrontend's simple and extended query paths.
	CompileSQL(ctx context.Context, sourceSQL string, req QueryRequestInfo) (*QueryUnitGroup, error)
	// CompileDumpPrologue returns the schema DDL, schema ids and block
	// metadata describing how to stream a consistent dump (spec.md §4.D).
	CompileDumpPrologue(ctx context.Context, dbName string) (*DumpPrologue, error)
	// CompileRestorePrologue returns the schema SQL units and table list
	// needed to apply an incoming restore stream (spec.md §4.D).
	CompileRestorePrologue(ctx context.Context, dbName string, header RestoreHeader) (*RestorePrologue, error)
}

// DumpPrologue is the compiler's answer to "how do I dump this database".
type DumpPrologue struct {
	SchemaDDL string
	SchemaIDs []uuid.UUID
	Blocks    []DumpBlockInfo
}

// DumpBlockInfo describes one data block in the dump stream.
type DumpBlockInfo struct {
	SchemaObjectID uuid.UUID
	TypeDesc       []byte
	DependencyIDs  []uuid.UUID
}

// RestoreHeader is the client-supplied restore-stream header.
type RestoreHeader struct {
	ProtocolVersion int
	SchemaDDL       string
	BlockInfo       []byte
}

// RestorePrologue is the compiler's answer to "how do I apply this dump".
type RestorePrologue struct {
	SchemaSQLUnits []string
	Tables         []string
}
