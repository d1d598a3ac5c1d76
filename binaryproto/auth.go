package binaryproto

import (
	"github.com/mevdschee/dbfrontend/auth"
	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/wire"
)

// AuthMethod is the authentication method a tenant selects for one
// (user, database) pair (spec.md §4.D: "the tenant selects an auth method
// per (user, transport)").
type AuthMethod int

const (
	AuthTrust AuthMethod = iota
	AuthSCRAM
	AuthJWT
)

// AuthPolicy resolves which AuthMethod governs a given user/database.
type AuthPolicy interface {
	MethodFor(user, database string) AuthMethod
}

// TrustAllPolicy authenticates every connection without a credential
// exchange; useful for local/dev deployments and tests.
type TrustAllPolicy struct{}

func (TrustAllPolicy) MethodFor(user, database string) AuthMethod { return AuthTrust }

// AuthBackend resolves the credential material SCRAM and JWT dispatch need.
type AuthBackend interface {
	auth.VerifierStore
	MockNonce() []byte
	JWTKeys() auth.KeyProvider
}

// runAuth dispatches to the configured AuthMethod and drives it to
// completion, sending AuthenticationOk on success (spec.md §4.D, §4.C).
func (f *Frontend) runAuth(user, database string, hs *ClientHandshake) error {
	method := AuthTrust
	if f.authPolicy != nil {
		method = f.authPolicy.MethodFor(user, database)
	}
	switch method {
	case AuthTrust:
		return f.sendAuthOk()
	case AuthSCRAM:
		return f.runSCRAM(user)
	case AuthJWT:
		return f.runJWT(user, database, hs)
	default:
		return errs.New(errs.KindAuthentication, "unknown auth method").Fatal()
	}
}

func (f *Frontend) sendAuthOk() error {
	var w wire.WriteBuffer
	w.NewMessage(kindAuthOk)
	w.EndMessage()
	if err := f.base.Write(w.Bytes()); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}
	return f.base.Flush()
}

func (f *Frontend) runSCRAM(user string) error {
	verifier := auth.GetVerifier(f.authBackend, f.authBackend.MockNonce(), user)
	exchange, err := auth.NewExchange(verifier)
	if err != nil {
		return errs.Opaque().Fatal()
	}

	var w wire.WriteBuffer
	w.NewMessage(kindAuthSASL)
	w.PutLenString("SCRAM-SHA-256")
	w.EndMessage()
	if err := f.base.Write(w.Bytes()); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}
	if err := f.base.Flush(); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}

	for {
		frame, err := f.base.ReadFrame()
		if err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
		if frame.MsgType != kindAuthResponse {
			return errs.Newf(errs.KindProtocolViolation, "expected SASL response, got %q", frame.MsgType).Fatal()
		}
		clientData, err := frame.ReadLenString()
		if err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}

		reply, err := exchange.Step(clientData)
		if err != nil {
			return errs.Opaque()
		}
		if exchange.Done() {
			if !exchange.Success() {
				return errs.Opaque()
			}
			var fin wire.WriteBuffer
			fin.NewMessage(kindAuthSASLFinal)
			fin.PutLenString(reply)
			fin.EndMessage()
			fin.NewMessage(kindAuthOk)
			fin.EndMessage()
			if err := f.base.Write(fin.Bytes()); err != nil {
				return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
			}
			return f.base.Flush()
		}
		var cont wire.WriteBuffer
		cont.NewMessage(kindAuthSASLContinue)
		cont.PutLenString(reply)
		cont.EndMessage()
		if err := f.base.Write(cont.Bytes()); err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
		if err := f.base.Flush(); err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
	}
}

func (f *Frontend) runJWT(user, database string, hs *ClientHandshake) error {
	token, ok := hs.param("token")
	if !ok {
		return errs.Opaque().Fatal()
	}
	claims, err := auth.ParseToken(token, f.authBackend.JWTKeys())
	if err != nil {
		return errs.Opaque()
	}
	if !claims.AllowsRole(user) || !claims.AllowsDatabase(database) {
		return errs.Opaque()
	}
	if f.instanceName != "" && !claims.AllowsInstance(f.instanceName) {
		return errs.Opaque()
	}
	return f.sendAuthOk()
}
