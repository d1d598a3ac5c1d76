package pgfrontend

import (
	"bufio"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/pgview"
)

func newTestFrontend(t *testing.T) (*Frontend, *pgproto3.Frontend) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	f := &Frontend{
		netConn: serverConn,
		backend: pgproto3.NewBackend(bufio.NewReader(serverConn), serverConn),
		view:    pgview.New(nil, nil),
	}
	client := pgproto3.NewFrontend(bufio.NewReader(clientConn), clientConn)
	return f, client
}

func TestForwardResultsHappyPath(t *testing.T) {
	f, client := newTestFrontend(t)

	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse},
		{Kind: backendpool.ActionBind},
		{Kind: backendpool.ActionExecute},
		{Kind: backendpool.ActionSync},
	}
	results := []backendpool.Result{
		{ParseComplete: true},
		{BindComplete: true},
		{CommandTag: "SELECT 1"},
		{ReadyForQuery: true, TxStatus: 'I'},
	}

	done := make(chan struct{})
	go func() { f.forwardResults(actions, results); close(done) }()

	for _, want := range []interface{}{
		&pgproto3.ParseComplete{},
		&pgproto3.BindComplete{},
		&pgproto3.CommandComplete{},
		&pgproto3.ReadyForQuery{},
	} {
		msg, err := client.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		switch want.(type) {
		case *pgproto3.ParseComplete:
			if _, ok := msg.(*pgproto3.ParseComplete); !ok {
				t.Fatalf("expected ParseComplete, got %T", msg)
			}
		case *pgproto3.BindComplete:
			if _, ok := msg.(*pgproto3.BindComplete); !ok {
				t.Fatalf("expected BindComplete, got %T", msg)
			}
		case *pgproto3.CommandComplete:
			cc, ok := msg.(*pgproto3.CommandComplete)
			if !ok || string(cc.CommandTag) != "SELECT 1" {
				t.Fatalf("expected CommandComplete SELECT 1, got %+v", msg)
			}
		case *pgproto3.ReadyForQuery:
			rfq, ok := msg.(*pgproto3.ReadyForQuery)
			if !ok || rfq.TxStatus != 'I' {
				t.Fatalf("expected ReadyForQuery idle, got %+v", msg)
			}
		}
	}
	<-done
}

func TestForwardResultsSkipsAfterError(t *testing.T) {
	f, client := newTestFrontend(t)

	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse},
		{Kind: backendpool.ActionBind},
		{Kind: backendpool.ActionExecute},
		{Kind: backendpool.ActionSync},
	}
	results := []backendpool.Result{
		{ParseComplete: true},
		{Err: &pgproto3.ErrorResponse{Message: "boom"}},
		{ReadyForQuery: true, TxStatus: 'E'},
	}

	done := make(chan struct{})
	go func() { f.forwardResults(actions, results); close(done) }()

	msg, err := client.Receive()
	if err != nil || msg == nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, ok := msg.(*pgproto3.ParseComplete); !ok {
		t.Fatalf("expected ParseComplete first, got %T", msg)
	}
	msg, err = client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	errMsg, ok := msg.(*pgproto3.ErrorResponse)
	if !ok || errMsg.Message != "boom" {
		t.Fatalf("expected ErrorResponse boom, got %+v", msg)
	}
	msg, err = client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	rfq, ok := msg.(*pgproto3.ReadyForQuery)
	if !ok || rfq.TxStatus != 'E' {
		t.Fatalf("expected ReadyForQuery aborted, got %+v", msg)
	}
	// the Execute action between the error and Sync must not have produced
	// a reply of its own.
	<-done
}

func TestSchemaForUnitOrdersHiddenParams(t *testing.T) {
	unit := compiler.QueryUnit{
		ExternalParamCount: 1,
		ExtraConstants:     []compiler.ExtraConstant{{Value: "x", TypeOID: 25}},
		ExtraGlobalKeys:    []compiler.ExtraGlobal{{SettingKey: "global default::current_user_id", TypeOID: 2950}},
	}
	schema := schemaForUnit(unit)
	if schema.ExternalCount != 1 {
		t.Fatalf("expected ExternalCount 1, got %d", schema.ExternalCount)
	}
	if len(schema.Hidden) != 2 {
		t.Fatalf("expected 2 hidden params, got %d", len(schema.Hidden))
	}
	if schema.Hidden[0].ConstantIndex != 0 {
		t.Fatalf("expected first hidden param to reference constant 0, got %+v", schema.Hidden[0])
	}
	if schema.Hidden[1].GlobalKey != "global default::current_user_id" {
		t.Fatalf("expected second hidden param to carry the global key, got %+v", schema.Hidden[1])
	}
}

func TestTxStatusByte(t *testing.T) {
	f := &Frontend{view: pgview.New(nil, nil)}
	if got := f.txStatusByte(); got != 'I' {
		t.Fatalf("expected idle status, got %q", got)
	}
	f.view.StartImplicit()
	if got := f.txStatusByte(); got != 'T' {
		t.Fatalf("expected in-transaction status, got %q", got)
	}
}
