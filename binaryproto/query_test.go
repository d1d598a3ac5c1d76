package binaryproto

import (
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/frontend"
	"github.com/mevdschee/dbfrontend/pgview"
)

func newTestFrontend(t *testing.T) (*Frontend, *frontend.BaseConn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	f := &Frontend{
		base: frontend.New(serverConn, frontend.LengthExclusive),
		view: pgview.New(nil, nil),
	}
	client := frontend.New(clientConn, frontend.LengthExclusive)
	return f, client
}

func TestForwardExecuteResultsHappyPath(t *testing.T) {
	f, client := newTestFrontend(t)

	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse, Injected: true},
		{Kind: backendpool.ActionBind, Injected: true},
		{Kind: backendpool.ActionExecute},
		{Kind: backendpool.ActionSync},
	}
	results := []backendpool.Result{
		{Injected: true, ParseComplete: true},
		{Injected: true, BindComplete: true},
		{DataRows: []*pgproto3.DataRow{{Values: [][]byte{[]byte("1")}}}, CommandTag: "SELECT 1"},
		{ReadyForQuery: true, TxStatus: 'I'},
	}

	done := make(chan struct{})
	go func() { f.forwardExecuteResults(actions, results); close(done) }()

	dataFrame, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame data: %v", err)
	}
	if dataFrame.MsgType != kindData {
		t.Fatalf("got msg type %q, want Data", dataFrame.MsgType)
	}

	ccFrame, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame commandComplete: %v", err)
	}
	if ccFrame.MsgType != kindCommandComplete {
		t.Fatalf("got msg type %q, want CommandComplete", ccFrame.MsgType)
	}
	tag, err := ccFrame.ReadLenString()
	if err != nil || tag != "SELECT 1" {
		t.Fatalf("command tag = %q, %v", tag, err)
	}

	rfqFrame, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame readyForCommand: %v", err)
	}
	if rfqFrame.MsgType != kindReadyForCommand {
		t.Fatalf("got msg type %q, want ReadyForCommand", rfqFrame.MsgType)
	}
	<-done
}

func TestForwardExecuteResultsSkipsAfterError(t *testing.T) {
	f, client := newTestFrontend(t)

	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse, Injected: true},
		{Kind: backendpool.ActionBind, Injected: true},
		{Kind: backendpool.ActionExecute},
		{Kind: backendpool.ActionExecute},
		{Kind: backendpool.ActionSync},
	}
	results := []backendpool.Result{
		{Injected: true, ParseComplete: true},
		{Injected: true, BindComplete: true},
		{Err: &pgproto3.ErrorResponse{Code: "42601", Message: "boom"}},
		{ReadyForQuery: true, TxStatus: 'E'},
	}

	done := make(chan struct{})
	go func() { f.forwardExecuteResults(actions, results); close(done) }()

	errFrame, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	if errFrame.MsgType != kindErrorResponse {
		t.Fatalf("got msg type %q, want ErrorResponse", errFrame.MsgType)
	}

	rfqFrame, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame readyForCommand: %v", err)
	}
	if rfqFrame.MsgType != kindReadyForCommand {
		t.Fatalf("got msg type %q, want ReadyForCommand", rfqFrame.MsgType)
	}
	<-done
}
