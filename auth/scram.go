// Package auth implements the authentication helpers shared by every
// frontend: SCRAM-SHA-256 (with anti-enumeration mock verifiers), JWT scope
// checking, HTTP Basic decoding and mTLS peer-certificate binding, per
// spec.md §4.C.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/xdg-go/scram"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultIterations is used for both real and mock SCRAM verifiers so that
// a mock exchange costs the same CPU as a real one.
const DefaultIterations = 4096

// ScramVerifier is the server-side SCRAM-SHA-256 credential set for one
// user, plus whether it is a synthetic mock (spec.md §4.C, §8.2).
type ScramVerifier struct {
	Username    string
	Credentials scram.StoredCredentials
	Mock        bool
}

// VerifierStore looks up the stored SCRAM verifier for a username. Its
// implementation (the tenant's role catalog) is outside this module's
// scope; GetVerifier wraps it with anti-enumeration.
type VerifierStore interface {
	Lookup(user string) (scram.StoredCredentials, bool)
}

// GetVerifier returns the stored verifier for user, or a deterministic mock
// verifier if the user does not exist. clusterMockNonce is a per-cluster
// secret so the mock salts are not predictable cluster-to-cluster.
func GetVerifier(store VerifierStore, clusterMockNonce []byte, user string) ScramVerifier {
	if creds, ok := store.Lookup(user); ok {
		return ScramVerifier{Username: user, Credentials: creds}
	}
	return mockVerifier(clusterMockNonce, user)
}

// mockVerifier builds a verifier deterministic in (clusterMockNonce, user)
// so that authenticating as a nonexistent user is indistinguishable, in
// timing and in the shape of the exchange, from authenticating as a real
// user with a wrong password (spec.md §8.2).
func mockVerifier(clusterMockNonce []byte, user string) ScramVerifier {
	h := sha256.New()
	h.Write(clusterMockNonce)
	h.Write([]byte(user))
	salt := h.Sum(nil)

	// The mock password is itself derived from the same inputs: nobody
	// will ever present it, but deriving StoredKey/ServerKey this way keeps
	// the mock conversation running the identical code path as a real one.
	mockPassword := hmacSHA256(clusterMockNonce, []byte("mock:"+user))

	return ScramVerifier{
		Username:    user,
		Credentials: DeriveCredentials(mockPassword, string(salt), DefaultIterations),
		Mock:        true,
	}
}

// DeriveCredentials computes the SCRAM-SHA-256 StoredKey/ServerKey for a
// password, salt and iteration count per RFC 5802 §3. xdg-go/scram only
// implements the conversation state machine, not credential provisioning,
// so this mirrors the derivation PostgreSQL and EdgeDB perform when a role
// password is set.
func DeriveCredentials(password []byte, salt string, iters int) scram.StoredCredentials {
	saltedPassword := pbkdf2.Key(password, []byte(salt), iters, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	return scram.StoredCredentials{
		KeyFactors: scram.KeyFactors{Salt: salt, Iters: iters},
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Exchange drives one SCRAM-SHA-256 server conversation against a single
// verifier.
type Exchange struct {
	conv *scram.ServerConversation
	mock bool
}

// NewExchange starts a SCRAM-SHA-256 server conversation for v.
func NewExchange(v ScramVerifier) (*Exchange, error) {
	server, err := scram.SHA256.NewServer(func(user string) (scram.StoredCredentials, error) {
		return v.Credentials, nil
	})
	if err != nil {
		return nil, err
	}
	return &Exchange{conv: server.NewConversation(), mock: v.Mock}, nil
}

// Step feeds one client message through the conversation and returns the
// next server message. The caller drives Step until Done reports true.
func (e *Exchange) Step(clientMessage string) (serverMessage string, err error) {
	return e.conv.Step(clientMessage)
}

func (e *Exchange) Done() bool { return e.conv.Done() }

// Success reports whether the exchange validated AND the verifier was not
// a mock, per spec.md §4.C's anti-enumeration rule.
func (e *Exchange) Success() bool {
	return e.conv.Done() && e.conv.Valid() && !e.mock
}

// constantTimeEqual compares a and b without leaking timing through an
// early exit.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
