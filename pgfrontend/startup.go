package pgfrontend

import (
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/auth"
	"github.com/mevdschee/dbfrontend/errs"
)

// sslRequestCode and cancelRequestCode are the special startup codes a
// StartupMessage-shaped 8-byte probe may carry instead of protocol version
// 3.0 (spec.md §4.F).
const (
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	cancelRequestCode = 80877102
)

// AuthBackend resolves a username to something that can run a SCRAM
// exchange, decoupling pgfrontend from how credentials are actually stored.
type AuthBackend interface {
	auth.VerifierStore
	MockNonce() []byte
}

// CancelTarget is the abort hook a session registers against its own
// backend-key pair. This module does not forward a real backend
// CancelRequest against the pooled connection the session happens to be
// using at the moment; closing the client-facing socket is the coarser but
// simpler approximation every pooled, affinity-free design in this module
// falls back to (spec.md §4.F).
type CancelTarget interface {
	CancelSession()
}

// CancelRegistry looks up and cancels a running query by the PID/secret the
// client presents in a CancelRequest, and lets a session register itself
// under the backend-key pair it handed out at startup.
type CancelRegistry interface {
	Register(pid, secret uint32, target CancelTarget)
	Unregister(pid uint32)
	Cancel(pid uint32, secret uint32)
}

// runStartup executes the startup sequence up through authentication,
// returning the negotiated session parameters on success (spec.md §4.F).
func (f *Frontend) runStartup() (map[string]string, error) {
	for {
		msg, err := f.backend.ReceiveStartupMessage()
		if err != nil {
			return nil, errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
		switch m := msg.(type) {
		case *pgproto3.SSLRequest:
			if err := f.respondSSL(); err != nil {
				return nil, err
			}
			continue
		case *pgproto3.GSSEncRequest:
			if _, err := f.netConn.Write([]byte{'N'}); err != nil {
				return nil, errs.Wrap(errs.KindProtocolViolation, err).Fatal()
			}
			continue
		case *pgproto3.CancelRequest:
			if f.cancelRegistry != nil {
				f.cancelRegistry.Cancel(m.ProcessID, m.SecretKey)
			}
			return nil, errCancelHandled
		case *pgproto3.StartupMessage:
			if f.tlsRequired && !f.tlsActive {
				return nil, errs.New(errs.KindAuthentication, "TLS required").Fatal()
			}
			user, ok := m.Parameters["user"]
			if !ok || user == "" {
				return nil, errs.New(errs.KindProtocolViolation, "startup message missing user").Fatal()
			}
			if err := f.authenticate(user); err != nil {
				return nil, err
			}
			return m.Parameters, nil
		default:
			return nil, errs.Newf(errs.KindProtocolViolation, "unexpected startup message %T", m).Fatal()
		}
	}
}

// errCancelHandled is a sentinel meaning the connection's only purpose was
// to deliver a CancelRequest; the caller closes without further protocol.
var errCancelHandled = errs.New(errs.KindCannotConnectNow, "pgfrontend: cancel request handled")

// authenticate drives the full SCRAM-SHA-256 exchange for user, matching the
// mock-on-unknown-user anti-enumeration behavior of package auth.
func (f *Frontend) authenticate(user string) error {
	verifier := auth.GetVerifier(f.authBackend, f.authBackend.MockNonce(), user)
	exchange, err := auth.NewExchange(verifier)
	if err != nil {
		return errs.Opaque().Fatal()
	}

	f.backend.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}})
	if err := f.backend.Flush(); err != nil {
		return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
	}

	for {
		msg, err := f.backend.Receive()
		if err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
		var clientData string
		switch m := msg.(type) {
		case *pgproto3.SASLInitialResponse:
			clientData = string(m.Data)
		case *pgproto3.SASLResponse:
			clientData = string(m.Data)
		default:
			return errs.Newf(errs.KindProtocolViolation, "expected SASL message, got %T", m).Fatal()
		}

		reply, err := exchange.Step(clientData)
		if err != nil {
			return errs.Opaque()
		}
		if exchange.Done() {
			if !exchange.Success() {
				return errs.Opaque()
			}
			f.backend.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(reply)})
			f.backend.Send(&pgproto3.AuthenticationOk{})
			return f.backend.Flush()
		}
		f.backend.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(reply)})
		if err := f.backend.Flush(); err != nil {
			return errs.Wrap(errs.KindProtocolViolation, err).Fatal()
		}
	}
}
