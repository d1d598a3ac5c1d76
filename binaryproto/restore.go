package binaryproto

import (
	"context"

	"github.com/mevdschee/dbfrontend/backendpool"
	"github.com/mevdschee/dbfrontend/compiler"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/pgview"
	"github.com/mevdschee/dbfrontend/wire"
)

// RestoreBlockSink applies one restore data block's raw bytes to the table
// identified by blockID, the write-side counterpart of DumpBlockSource.
type RestoreBlockSink interface {
	WriteBlock(ctx context.Context, conn *backendpool.Conn, blockID [16]byte, blockNum uint32, data []byte) error
}

// handleRestore applies an incoming dump stream: schema first, then data
// blocks framed as `=`, terminated by `.` (spec.md §4.D "Restore protocol").
func (f *Frontend) handleRestore(ctx context.Context, frame *wire.ReadBuffer) error {
	if f.view.InTx() {
		return errs.New(errs.KindTransaction, "RESTORE is not allowed inside a transaction")
	}
	if _, err := readHeaders(frame); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	protoVer, err := frame.ReadUint16()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	if protoVer < dumpProtoVerMin || protoVer > dumpProtoVerMax {
		return errs.New(errs.KindProtocolViolation, "restore stream protocol version out of range")
	}
	schemaDDL, err := frame.ReadLenString()
	if err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
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

	f.view = pgview.New(nil, nil)

	if err := runSQL(ctx, conn, "BEGIN ISOLATION LEVEL SERIALIZABLE"); err != nil {
		return err
	}
	header := compiler.RestoreHeader{ProtocolVersion: int(protoVer), SchemaDDL: schemaDDL}
	prologue, err := f.compiler.CompileRestorePrologue(ctx, f.database, header)
	if err != nil {
		runSQL(ctx, conn, "ROLLBACK")
		return errs.Wrap(errs.KindUnsupportedFeature, err)
	}
	for _, stmt := range prologue.SchemaSQLUnits {
		if err := runSQL(ctx, conn, stmt); err != nil {
			runSQL(ctx, conn, "ROLLBACK")
			return err
		}
	}
	for _, table := range prologue.Tables {
		if err := runSQL(ctx, conn, `ALTER TABLE `+table+` DISABLE TRIGGER ALL`); err != nil {
			runSQL(ctx, conn, "ROLLBACK")
			return err
		}
	}

	var ready wire.WriteBuffer
	ready.NewMessage(kindRestoreReady)
	ready.PutUint16(protoVer)
	ready.EndMessage()
	if err := f.base.Write(ready.Bytes()); err != nil {
		runSQL(ctx, conn, "ROLLBACK")
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	if err := f.base.Flush(); err != nil {
		runSQL(ctx, conn, "ROLLBACK")
		return errs.Wrap(errs.KindProtocolViolation, err)
	}

restoreLoop:
	for {
		if err := f.base.WaitForMessage(false); err != nil {
			runSQL(ctx, conn, "ROLLBACK")
			return errs.Wrap(errs.KindProtocolViolation, err)
		}
		block, err := f.base.ReadFrame()
		if err != nil {
			runSQL(ctx, conn, "ROLLBACK")
			return errs.Wrap(errs.KindProtocolViolation, err)
		}
		switch block.MsgType {
		case kindRestoreBlock:
			blockID, err := block.ReadUUID()
			if err != nil {
				runSQL(ctx, conn, "ROLLBACK")
				return errs.Wrap(errs.KindProtocolViolation, err)
			}
			blockNum, err := block.ReadUint32()
			if err != nil {
				runSQL(ctx, conn, "ROLLBACK")
				return errs.Wrap(errs.KindProtocolViolation, err)
			}
			data, err := block.ReadLenBytes()
			if err != nil {
				runSQL(ctx, conn, "ROLLBACK")
				return errs.Wrap(errs.KindProtocolViolation, err)
			}
			if f.restoreBlocks != nil {
				if err := f.restoreBlocks.WriteBlock(ctx, conn, blockID, blockNum, data); err != nil {
					runSQL(ctx, conn, "ROLLBACK")
					return errs.Wrap(errs.KindBackend, err)
				}
			}
		case kindRestoreEOF:
			break restoreLoop
		default:
			runSQL(ctx, conn, "ROLLBACK")
			return errs.Newf(errs.KindProtocolViolation, "unexpected restore frame %q", block.MsgType)
		}
	}

	for _, table := range prologue.Tables {
		if err := runSQL(ctx, conn, `ALTER TABLE `+table+` ENABLE TRIGGER ALL`); err != nil {
			runSQL(ctx, conn, "ROLLBACK")
			return err
		}
	}
	if err := runSQL(ctx, conn, "COMMIT"); err != nil {
		return err
	}
	release()

	var done wire.WriteBuffer
	done.NewMessage(kindCommandComplete)
	done.PutLenString("RESTORE")
	done.EndMessage()
	if err := f.base.Write(done.Bytes()); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err)
	}
	return f.base.Flush()
}
