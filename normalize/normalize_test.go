package normalize

import "testing"

func TestNormalizeHoistsStringLiteral(t *testing.T) {
	res, err := Normalize("SELECT * FROM users WHERE name = 'alice'")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Variables) != 1 {
		t.Fatalf("expected 1 hoisted variable, got %d: %+v", len(res.Variables), res.Variables)
	}
	if res.Variables[0].Value != "alice" || res.Variables[0].TypeOID != OIDText {
		t.Fatalf("unexpected variable: %+v", res.Variables[0])
	}
	if res.Source != "SELECT * FROM users WHERE name = $1" {
		t.Fatalf("unexpected normalized source: %q", res.Source)
	}
}

func TestNormalizeHoistsAfterExplicitParams(t *testing.T) {
	res, err := Normalize("SELECT * FROM users WHERE id = $1 AND active = true")
	if err != nil {
		t.Fatal(err)
	}
	if res.MaxExplicitParam != 1 {
		t.Fatalf("expected max explicit param 1, got %d", res.MaxExplicitParam)
	}
	if len(res.Variables) != 1 || res.Variables[0].Value != "true" {
		t.Fatalf("unexpected variables: %+v", res.Variables)
	}
	if res.Source != "SELECT * FROM users WHERE id = $1 AND active = $2" {
		t.Fatalf("unexpected normalized source: %q", res.Source)
	}
}

func TestNormalizeTwoIdenticalQueriesShareSource(t *testing.T) {
	a, err := Normalize("SELECT * FROM t WHERE x = 1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Normalize("SELECT * FROM t WHERE x = 999999")
	if err != nil {
		t.Fatal(err)
	}
	if a.Source != b.Source {
		t.Fatalf("expected identical normalized source, got %q and %q", a.Source, b.Source)
	}
}

func TestNormalizeMultiStatementPassesThrough(t *testing.T) {
	sql := "SELECT 1; SELECT 2;"
	res, err := Normalize(sql)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source != sql || len(res.Variables) != 0 {
		t.Fatalf("expected multi-statement input to pass through unchanged, got %+v", res)
	}
}
