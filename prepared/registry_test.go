package prepared

import (
	"testing"

	"github.com/mevdschee/dbfrontend/pgview"
)

func TestAddParseDuplicateNamed(t *testing.T) {
	r := NewRegistry()
	if err := r.AddParse("s1", "select $1", &ParseAction{Valid: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddParse("s1", "select $1", &ParseAction{Valid: true}); err == nil {
		t.Fatalf("expected a duplicate-prepared-statement error")
	}
	// The unnamed statement may always be replaced.
	if err := r.AddParse("", "select 1", &ParseAction{Valid: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddParse("", "select 2", &ParseAction{Valid: true}); err != nil {
		t.Fatalf("expected rebinding the unnamed statement to succeed: %v", err)
	}
}

func TestGetParseUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.GetParse("nope"); err == nil {
		t.Fatalf("expected an invalid-sql-statement-name error")
	}
}

func TestIsStaleOnFeSettingsChange(t *testing.T) {
	r := NewRegistry()
	fe := pgview.Settings{"global mod::x": "1"}
	r.AddParse("s1", "select 1", &ParseAction{Valid: true, FeSettings: fe})

	if r.IsStale("s1", fe) {
		t.Fatalf("expected the statement to be fresh under identical fe_settings")
	}
	changed := pgview.Settings{"global mod::x": "2"}
	if !r.IsStale("s1", changed) {
		t.Fatalf("expected the statement to be stale after fe_settings changed")
	}
}

func TestDeallocateInvalidatesOuters(t *testing.T) {
	r := NewRegistry()
	if err := r.PrepareSQL("inner", "backend_inner", dummyUnit()); err != nil {
		t.Fatal(err)
	}
	outerAction := &ParseAction{Valid: true, References: []string{"inner"}}
	if err := r.AddParse("outer", "execute inner", outerAction); err != nil {
		t.Fatal(err)
	}

	if err := r.DeallocateSQL("inner"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetParse("outer"); err == nil {
		t.Fatalf("expected the outer extended statement to be dropped")
	}
	if outerAction.Valid {
		t.Fatalf("expected the outer's cached ParseAction to be invalidated")
	}
	if _, err := r.ExecuteSQL("inner"); err == nil {
		t.Fatalf("expected EXECUTE of a deallocated statement to fail")
	}
}

func TestDeallocateUnknown(t *testing.T) {
	r := NewRegistry()
	if err := r.DeallocateSQL("nope"); err == nil {
		t.Fatalf("expected an invalid-sql-statement-name error")
	}
}

func TestPrepareSQLDuplicate(t *testing.T) {
	r := NewRegistry()
	r.PrepareSQL("p", "backend_p", dummyUnit())
	if err := r.PrepareSQL("p", "backend_p", dummyUnit()); err == nil {
		t.Fatalf("expected a duplicate-prepared-statement error")
	}
}
