// Package binaryproto implements the EdgeDB-style binary frontend state
// machine: handshake and protocol-version negotiation, auth dispatch
// (Trust/SCRAM/JWT), the Parse/Execute/OptimisticExecute/ExecuteScript main
// loop, and the Dump/Restore streaming protocols (spec.md §4.D).
package binaryproto

import "github.com/mevdschee/dbfrontend/compiler"

// Message kinds, client to server.
const (
	kindClientHandshake = 'V'
	kindAuthResponse    = 'r' // carries a SASL initial response or continuation
	kindParse           = 'P'
	kindDescribeLegacy  = 'D'
	kindExecute         = 'E'
	kindOptimisticExec  = 'O'
	kindExecuteScript   = 'Q'
	kindSync            = 'S'
	kindFlush           = 'H'
	kindTerminate       = 'X'
	kindDump            = '>'
	kindRestore         = '<'
	kindRestoreBlock    = '='
	kindRestoreEOF      = '.'
)

// Message kinds, server to client.
const (
	kindServerHandshake        = 'v'
	kindAuthOk                 = 'R'
	kindAuthSASL               = 'T'
	kindAuthSASLContinue       = 't'
	kindAuthSASLFinal          = 'f'
	kindServerKeyData          = 'K'
	kindReadyForCommand        = 'Z'
	kindCommandDataDescription = '1'
	kindData                   = 'd'
	kindCommandComplete        = 'C'
	kindErrorResponse          = 'e'
	kindDumpHeader             = '@'
	kindDumpBlock              = '='
	kindRestoreReady           = '+'
)

// Header keys (spec.md §6). Odd-looking values keep client and server
// header keys out of each other's range, mirroring the real protocol's
// convention of reserving a band per direction.
const (
	headerImplicitLimit           uint16 = 0xFF01
	headerImplicitTypeIDs         uint16 = 0xFF02
	headerImplicitTypeNames       uint16 = 0xFF03
	headerAllowCapabilities       uint16 = 0xFF04
	headerExplicitObjectIDs       uint16 = 0xFF05
	headerServerHeaderCapabilities uint16 = 0x1001
)

// Protocol version bounds this frontend negotiates within. minProtocol is
// lower for the backwards-compatible variant (spec.md §4.D); both variants
// share this one state machine, distinguished only by which opcodes and
// minimum version are enabled.
var (
	minProtocolCurrent = compiler.ProtocolVersion{Major: 1, Minor: 0}
	minProtocolCompat  = compiler.ProtocolVersion{Major: 0, Minor: 13}
	maxProtocol        = compiler.ProtocolVersion{Major: 2, Minor: 0}
)

// TransactionStatus mirrors the PG Z status byte convention reused here for
// the ReadyForCommand message (spec.md §6).
const (
	txStatusIdle    = 'I'
	txStatusInTx    = 'T'
	txStatusInError = 'E'
)

// Dump-stream protocol version bounds a Restore will accept.
const (
	dumpProtoVerMin = 1
	dumpProtoVerMax = 2
)
