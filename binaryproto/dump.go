package binaryproto

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/wire"
)

const serverVersionString = "dbfrontend-1.0"

// DumpBlockSource produces the raw bytes of one dump data block. Block
// metadata (schema object id, type descriptor, dependency ids) comes from
// compiler.Client.CompileDumpPrologue; the block bytes themselves are
// backend table data, which is not something a compiler.Client produces, so
// a separate pluggable source supplies it.
type DumpBlockSource interface {
	ReadBlock(ctx context.Context, conn *backendpool.Conn, info compiler.DumpBlockInfo) ([]byte, error)
}

// runSQL executes one administrative statement (BEGIN/COMMIT/ROLLBACK/ALTER
// TABLE ...) as its own Parse+Bind+Execute+Sync batch, outside of the
// paramremap/pgview machinery the query-execution path uses: these
// statements never come from a client and carry no hidden parameters.
func runSQL(ctx context.Context, conn *backendpool.Conn, sql string) error {
	actions := []backendpool.Action{
		{Kind: backendpool.ActionParse, SQL: sql, Injected: true},
		{Kind: backendpool.ActionBind, Bind: &pgproto3.Bind{}, Injected: true},
		{Kind: backendpool.ActionExecute, Injected: true},
		{Kind: backendpool.ActionSync},
	}
	results, err := conn.Execute(ctx, actions)
	if err != nil {
		return errs.Wrap(errs.KindBackend, err)
	}
	for _, r := range results {
		if r.Err != nil {
			return errs.New(errs.KindBackend, r.Err.Message)
		}
	}
	return nil
}

// handleDump streams a consistent point-in-time dump of the current
// database: a single `@` header frame describing the schema and block
// layout, one `=` frame per data block, then `C`ommand-complete (spec.md
// §4.D "Dump protocol").
func (f *Frontend) handleDump(ctx context.Context) error {
	if f.view.InTx() {
		return errs.New(errs.KindTransaction, "DUMP is not allowed inside a transaction")
	}
	conn, err := f.pool.Acquire(ctx, f.database)
	if err != nil {
		return errs.Wrap(errs.KindCannotConnectNow, err)
	}
	released := false
	release := func() {
		if !released {
			f.pool.Release(conn)
			released = true
		}
	}
	defer release()

	if err := runSQL(ctx, conn, "BEGIN ISOLATION LEVEL SERIALIZABLE, READ ONLY, DEFERRABLE"); err != nil {
		return err
	}
	prologue, err := f.compiler.CompileDumpPrologue(ctx, f.database)
	if err != nil {
		runSQL(ctx, conn, "ROLLBACK")
		return errs.Wrap(errs.KindUnsupportedFeature, err)
	}

	var w wire.WriteBuffer
	w.NewMessage(kindDumpHeader)
	writeHeaders(&w, []Header{
		{Key: 0x0001, Value: []byte("block-type-info")},
		{Key: 0x0002, Value: []byte(serverVersionString)},
		{Key: 0x0003, Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	})
	w.PutUint16(dumpProtoVerMax)
	w.PutLenString(prologue.SchemaDDL)
	w.PutUint16(uint16(len(prologue.SchemaIDs)))
	for _, id := range prologue.SchemaIDs {
		w.PutUUID(id)
	}
	w.PutUint16(uint16(len(prologue.Blocks)))
	for _, b := range prologue.Blocks {
		w.PutUUID(b.SchemaObjectID)
		w.PutBytes(b.TypeDesc)
		w.PutUint16(uint16(len(b.DependencyIDs)))
		for _, d := range b.DependencyIDs {
			w.PutUUID(d)
		}
	}
	w.EndMessage()
	if err := f.base.Write(w.Bytes()); err != nil {
		runSQL(ctx, conn, "ROLLBACK")
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	if err := f.base.Flush(); err != nil {
		runSQL(ctx, conn, "ROLLBACK")
		return errs.Wrap(errs.KindProtocolViolation, err)
	}

	if f.dumpBlocks != nil {
		for i, info := range prologue.Blocks {
			data, err := f.dumpBlocks.ReadBlock(ctx, conn, info)
			if err != nil {
				runSQL(ctx, conn, "ROLLBACK")
				return errs.Wrap(errs.KindBackend, err)
			}
			var block wire.WriteBuffer
			block.NewMessage(kindDumpBlock)
			block.PutUUID(info.SchemaObjectID)
			block.PutUint32(uint32(i))
			block.PutBytes(data)
			block.EndMessage()
			if err := f.base.Write(block.Bytes()); err != nil {
				runSQL(ctx, conn, "ROLLBACK")
				return errs.Wrap(errs.KindProtocolViolation, err)
			}
			if err := f.base.Flush(); err != nil {
				runSQL(ctx, conn, "ROLLBACK")
				return errs.Wrap(errs.KindProtocolViolation, err)
			}
		}
	}

	if err := runSQL(ctx, conn, "ROLLBACK"); err != nil {
		return err
	}
	release()

	var done wire.WriteBuffer
	done.NewMessage(kindCommandComplete)
	done.PutLenString("DUMP")
	done.EndMessage()
	if err := f.base.Write(done.Bytes()); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	return f.base.Flush()
}
