package backendpool

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
)

// fakeBackend drives the server side of a pipe using pgproto3.Backend,
// simulating a trust-authenticated real Postgres backend for one Parse +
// Sync round trip.
func fakeBackend(t *testing.T, conn net.Conn) {
	t.Helper()
	be := pgproto3.NewBackend(bufio.NewReader(conn), conn)

	if _, err := be.ReceiveStartupMessage(); err != nil {
		t.Errorf("fake backend: startup: %v", err)
		return
	}
	be.Send(&pgproto3.AuthenticationOk{})
	be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := be.Flush(); err != nil {
		t.Errorf("fake backend: flush startup: %v", err)
		return
	}

	for {
		msg, err := be.Receive()
		if err != nil {
			return
		}
		switch msg.(type) {
		case *pgproto3.Parse:
			be.Send(&pgproto3.ParseComplete{})
		case *pgproto3.Sync:
			be.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := be.Flush(); err != nil {
				return
			}
		case *pgproto3.Terminate:
			return
		}
	}
}

func TestConnExecuteParseAndSync(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeBackend(t, server)

	fe := pgproto3.NewFrontend(bufio.NewReader(client), client)
	startup := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "tester", "database": "tester"},
	}
	if err := fe.Send(startup); err != nil {
		t.Fatal(err)
	}
	if err := fe.Flush(); err != nil {
		t.Fatal(err)
	}

	c := &Conn{netConn: client, frontend: fe, database: "tester"}
	if err := c.authenticate(""); err != nil {
		t.Fatal(err)
	}

	results, err := c.Execute(context.Background(), []Action{
		{Kind: ActionParse, StmtName: "s1", SQL: "select 1"},
		{Kind: ActionSync},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].ParseComplete {
		t.Fatalf("expected first result to be ParseComplete")
	}
	if !results[1].ReadyForQuery {
		t.Fatalf("expected second result to be ReadyForQuery")
	}
}
