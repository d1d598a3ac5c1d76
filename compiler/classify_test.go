package compiler

import "testing"

func TestClassifyTransactionStatements(t *testing.T) {
	cases := []struct {
		sql  string
		want TxAction
	}{
		{"BEGIN", TxStart},
		{"START TRANSACTION", TxStart},
		{"COMMIT", TxCommit},
		{"ROLLBACK", TxRollback},
		{"SAVEPOINT s1", TxDeclareSavepoint},
		{"RELEASE SAVEPOINT s1", TxReleaseSavepoint},
		{"ROLLBACK TO SAVEPOINT s1", TxRollbackToSavepoint},
	}
	for _, c := range cases {
		got := Classify(c.sql)
		if got.TxAction != c.want {
			t.Errorf("Classify(%q).TxAction = %v, want %v", c.sql, got.TxAction, c.want)
		}
	}
}

func TestClassifySavepointName(t *testing.T) {
	got := Classify("ROLLBACK TO SAVEPOINT my_sp")
	if got.SavepointName != "my_sp" {
		t.Fatalf("expected savepoint name my_sp, got %q", got.SavepointName)
	}
}

func TestClassifyPrepareExecuteDeallocate(t *testing.T) {
	if got := Classify("PREPARE p1 AS SELECT 1"); got.StmtOp != StmtOpPrepare || got.StmtName != "p1" {
		t.Fatalf("unexpected PREPARE classification: %+v", got)
	}
	if got := Classify("EXECUTE p1"); got.StmtOp != StmtOpExecute || got.StmtName != "p1" {
		t.Fatalf("unexpected EXECUTE classification: %+v", got)
	}
	if got := Classify("DEALLOCATE p1"); got.StmtOp != StmtOpDeallocate || got.StmtName != "p1" {
		t.Fatalf("unexpected DEALLOCATE classification: %+v", got)
	}
}

func TestClassifyOrdinaryDML(t *testing.T) {
	if got := Classify("SELECT 1"); got.CommandTag != "SELECT" {
		t.Fatalf("expected SELECT tag, got %+v", got)
	}
	if got := Classify("INSERT INTO t VALUES (1)"); got.CommandTag != "INSERT" {
		t.Fatalf("expected INSERT tag, got %+v", got)
	}
}

func TestClassifyMultiStatementYieldsZeroValue(t *testing.T) {
	got := Classify("SELECT 1; SELECT 2;")
	if got != (Classification{}) {
		t.Fatalf("expected zero-value classification for multi-statement input, got %+v", got)
	}
}
