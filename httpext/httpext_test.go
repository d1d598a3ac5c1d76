package httpext

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/google/uuid"

	"github.com/mevdschee/dbfrontend/compiler"
)

type fakeCompiler struct {
	group *compiler.QueryUnitGroup
	err   error
}

func (f *fakeCompiler) Compile(ctx context.Context, req compiler.QueryRequestInfo) (*compiler.QueryUnitGroup, error) {
	return f.group, f.err
}
func (f *fakeCompiler) CompileSQL(ctx context.Context, sourceSQL string, req compiler.QueryRequestInfo) (*compiler.QueryUnitGroup, error) {
	return f.group, f.err
}
func (f *fakeCompiler) CompileDumpPrologue(ctx context.Context, dbName string) (*compiler.DumpPrologue, error) {
	return nil, nil
}
func (f *fakeCompiler) CompileRestorePrologue(ctx context.Context, dbName string, header compiler.RestoreHeader) (*compiler.RestorePrologue, error) {
	return nil, nil
}

func TestParseEdgeQLRequestGET(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/db/main/edgeql?query=select+1&variables=%7B%22a%22%3A1%7D", nil)
	got, err := parseEdgeQLRequest(req)
	if err != nil {
		t.Fatalf("parseEdgeQLRequest: %v", err)
	}
	if got.Query != "select 1" {
		t.Fatalf("got query %q", got.Query)
	}
	if got.Variables["a"].(float64) != 1 {
		t.Fatalf("got variables %+v", got.Variables)
	}
}

func TestParseEdgeQLRequestPOST(t *testing.T) {
	body := strings.NewReader(`{"query":"select 1"}`)
	req := httptest.NewRequest(http.MethodPost, "/db/main/edgeql", body)
	got, err := parseEdgeQLRequest(req)
	if err != nil {
		t.Fatalf("parseEdgeQLRequest: %v", err)
	}
	if got.Query != "select 1" {
		t.Fatalf("got query %q", got.Query)
	}
}

func TestEdgeQLRejectsEmptyQuery(t *testing.T) {
	h := &Handler{Compiler: &fakeCompiler{}}
	req := httptest.NewRequest(http.MethodPost, "/db/main/edgeql", strings.NewReader(`{"query":""}`))
	rec := httptest.NewRecorder()
	h.EdgeQL(rec, req, "main")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if rec.Header().Get(protocolVersionHeader) != protocolVersionValue {
		t.Fatalf("missing protocol version header")
	}
}

func TestEdgeQLReportsCompileError(t *testing.T) {
	h := &Handler{Compiler: &fakeCompiler{err: compileErr()}}
	req := httptest.NewRequest(http.MethodPost, "/db/main/edgeql", strings.NewReader(`{"query":"select 1"}`))
	rec := httptest.NewRecorder()
	h.EdgeQL(rec, req, "main")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if _, ok := body["error"]; !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
}

func TestNotebookRequiresPOST(t *testing.T) {
	h := &Handler{}
	req := httptest.NewRequest(http.MethodGet, "/db/main/notebook", nil)
	rec := httptest.NewRecorder()
	h.Notebook(rec, req, "main")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got status %d, want 405", rec.Code)
	}
}

func TestNotebookRejectsParameterizedQuery(t *testing.T) {
	h := &Handler{Compiler: &fakeCompiler{group: &compiler.QueryUnitGroup{
		Units: []compiler.QueryUnit{{SQL: "select $1", ExternalParamCount: 1}},
	}}}
	body := strings.NewReader(`{"queries":["select <int64>$0"]}`)
	req := httptest.NewRequest(http.MethodPost, "/db/main/notebook", body)
	rec := httptest.NewRecorder()
	h.Notebook(rec, req, "main")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "parameters") {
		t.Fatalf("expected parameter-rejection message, got %s", rec.Body.String())
	}
}

func TestNotebookRejectsExcessCapability(t *testing.T) {
	h := &Handler{Compiler: &fakeCompiler{group: &compiler.QueryUnitGroup{
		Units: []compiler.QueryUnit{{SQL: "configure instance ...", Capabilities: compiler.CapSystemConfig}},
	}}}
	body := strings.NewReader(`{"queries":["configure instance ..."]}`)
	req := httptest.NewRequest(http.MethodPost, "/db/main/notebook", body)
	rec := httptest.NewRecorder()
	h.Notebook(rec, req, "main")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestRowsToJSONSingleScalar(t *testing.T) {
	rows := []*pgproto3.DataRow{{Values: [][]byte{[]byte("1")}}}
	got, err := rowsToJSON(rows)
	if err != nil {
		t.Fatalf("rowsToJSON: %v", err)
	}
	if string(got) != "1" {
		t.Fatalf("got %s, want 1", got)
	}
}

func TestRowsToJSONMultiRow(t *testing.T) {
	rows := []*pgproto3.DataRow{
		{Values: [][]byte{[]byte("1"), []byte("2")}},
		{Values: [][]byte{[]byte("3"), nil}},
	}
	got, err := rowsToJSON(rows)
	if err != nil {
		t.Fatalf("rowsToJSON: %v", err)
	}
	want := `[[1,2],[3,null]]`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRowsToJSONEmpty(t *testing.T) {
	got, err := rowsToJSON(nil)
	if err != nil {
		t.Fatalf("rowsToJSON: %v", err)
	}
	if string(got) != "null" {
		t.Fatalf("got %s, want null", got)
	}
}

func TestDataResultEncodesFourFields(t *testing.T) {
	unit := compiler.QueryUnit{
		OutTypeID: uuid.New(),
		OutTypes:  []compiler.TypeDescriptor{{Name: "std::int64"}},
	}
	res := dataResult(unit, nil)
	if res.Kind != "data" {
		t.Fatalf("got kind %q", res.Kind)
	}
	if len(res.Data) != 4 {
		t.Fatalf("got %d data fields, want 4", len(res.Data))
	}
}

func TestSchemaForUnitCountsHiddenParams(t *testing.T) {
	unit := compiler.QueryUnit{
		ExternalParamCount: 2,
		ExtraConstants:     []compiler.ExtraConstant{{Value: "x", TypeOID: 25}},
		ExtraGlobalKeys:    []compiler.ExtraGlobal{{SettingKey: "global default::k", TypeOID: 25}},
	}
	schema := schemaForUnit(unit)
	if schema.ExternalCount != 2 {
		t.Fatalf("got ExternalCount %d, want 2", schema.ExternalCount)
	}
	if len(schema.Hidden) != 2 {
		t.Fatalf("got %d hidden params, want 2", len(schema.Hidden))
	}
}

func compileErr() error {
	return &compileError{}
}

type compileError struct{}

func (e *compileError) Error() string { return "InvalidSyntaxError: bad query" }
