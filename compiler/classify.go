package compiler

import (
	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// Classification is the transaction/PREPARE-family shape of a single SQL
// statement, extracted straight from its AST rather than waiting on a full
// compile (spec.md §4.F: the frontend needs tx_action before it can decide
// whether to wrap a unit in an implicit transaction).
type Classification struct {
	TxAction      TxAction
	SavepointName string
	StmtOp        StmtOp
	StmtName      string
	CommandTag    string
	IsDDL         bool
}

// Classify parses sql and reports its Classification. A parse failure or
// multi-statement input yields the zero Classification (TxNone,
// StmtOpNone); the caller treats that as an ordinary data-manipulation
// statement.
func Classify(sql string) Classification {
	tree, err := pg_query.Parse(sql)
	if err != nil || tree == nil || len(tree.Stmts) != 1 {
		return Classification{}
	}
	stmt := tree.Stmts[0].Stmt

	if t := stmt.GetTransactionStmt(); t != nil {
		switch t.GetKind() {
		case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
			return Classification{TxAction: TxStart, CommandTag: "BEGIN"}
		case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
			return Classification{TxAction: TxCommit, CommandTag: "COMMIT"}
		case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
			return Classification{TxAction: TxRollback, CommandTag: "ROLLBACK"}
		case pg_query.TransactionStmtKind_TRANS_STMT_SAVEPOINT:
			return Classification{TxAction: TxDeclareSavepoint, SavepointName: t.GetSavepointName(), CommandTag: "SAVEPOINT"}
		case pg_query.TransactionStmtKind_TRANS_STMT_RELEASE:
			return Classification{TxAction: TxReleaseSavepoint, SavepointName: t.GetSavepointName(), CommandTag: "RELEASE"}
		case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK_TO:
			return Classification{TxAction: TxRollbackToSavepoint, SavepointName: t.GetSavepointName(), CommandTag: "ROLLBACK"}
		}
		return Classification{}
	}

	if p := stmt.GetPrepareStmt(); p != nil {
		return Classification{StmtOp: StmtOpPrepare, StmtName: p.GetName(), CommandTag: "PREPARE"}
	}
	if e := stmt.GetExecuteStmt(); e != nil {
		return Classification{StmtOp: StmtOpExecute, StmtName: e.GetName()}
	}
	if d := stmt.GetDeallocateStmt(); d != nil {
		return Classification{StmtOp: StmtOpDeallocate, StmtName: d.GetName(), CommandTag: "DEALLOCATE"}
	}

	isDDL := stmt.GetCreateStmt() != nil || stmt.GetDropStmt() != nil || stmt.GetAlterTableStmt() != nil ||
		stmt.GetIndexStmt() != nil || stmt.GetViewStmt() != nil

	switch {
	case stmt.GetSelectStmt() != nil:
		return Classification{CommandTag: "SELECT"}
	case stmt.GetInsertStmt() != nil:
		return Classification{CommandTag: "INSERT"}
	case stmt.GetUpdateStmt() != nil:
		return Classification{CommandTag: "UPDATE"}
	case stmt.GetDeleteStmt() != nil:
		return Classification{CommandTag: "DELETE"}
	case isDDL:
		return Classification{IsDDL: true}
	default:
		return Classification{}
	}
}
