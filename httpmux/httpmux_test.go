package httpmux

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRouter(edgeqlCalled *bool) *Router {
	dbs := StaticDatabases{
		"main": DatabaseInfo{Name: "main", Extensions: map[Extension]bool{ExtEdgeQL: true}},
	}
	r := New(dbs)
	r.WithEdgeQL(func(w http.ResponseWriter, req *http.Request, database string) {
		*edgeqlCalled = true
		if database != "main" {
			http.Error(w, "wrong database", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestRouteToEdgeQLExtension(t *testing.T) {
	var called bool
	r := newTestRouter(&called)

	req := httptest.NewRequest(http.MethodPost, "/db/main/edgeql", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("edgeql handler was not invoked")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestUnadvertisedExtensionIs404(t *testing.T) {
	var called bool
	r := newTestRouter(&called)

	req := httptest.NewRequest(http.MethodPost, "/db/main/notebook", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestUnknownDatabaseIs404(t *testing.T) {
	var called bool
	r := newTestRouter(&called)

	req := httptest.NewRequest(http.MethodGet, "/db/other/edgeql", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestBasicAuthRejectsMissingCredentials(t *testing.T) {
	var called bool
	r := newTestRouter(&called)
	r.WithBasicAuth(func(user, password string) bool { return user == "admin" && password == "hunter2" })

	req := httptest.NewRequest(http.MethodPost, "/db/main/edgeql", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
	if called {
		t.Fatalf("edgeql handler should not run without credentials")
	}
}

func TestBasicAuthAcceptsValidCredentials(t *testing.T) {
	var called bool
	r := newTestRouter(&called)
	r.WithBasicAuth(func(user, password string) bool { return user == "admin" && password == "hunter2" })

	req := httptest.NewRequest(http.MethodPost, "/db/main/edgeql", nil)
	req.SetBasicAuth("admin", "hunter2")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !called {
		t.Fatalf("edgeql handler should run with valid credentials")
	}
}

func TestUnknownPathIs404(t *testing.T) {
	var called bool
	r := newTestRouter(&called)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}
