package auth

import (
	"testing"

	"github.com/xdg-go/scram"
)

type mapStore map[string]scram.StoredCredentials

func (m mapStore) Lookup(user string) (scram.StoredCredentials, bool) {
	c, ok := m[user]
	return c, ok
}

func TestGetVerifierRealUser(t *testing.T) {
	creds := DeriveCredentials([]byte("hunter2"), "somesalt", DefaultIterations)
	store := mapStore{"alice": creds}

	v := GetVerifier(store, []byte("nonce"), "alice")
	if v.Mock {
		t.Fatalf("expected a real (non-mock) verifier for a known user")
	}
	if string(v.Credentials.StoredKey) != string(creds.StoredKey) {
		t.Fatalf("verifier does not match stored credentials")
	}
}

func TestGetVerifierMockUserIsDeterministic(t *testing.T) {
	store := mapStore{}
	v1 := GetVerifier(store, []byte("nonce"), "ghost")
	v2 := GetVerifier(store, []byte("nonce"), "ghost")
	if !v1.Mock || !v2.Mock {
		t.Fatalf("expected mock verifiers for an unknown user")
	}
	if v1.Credentials.Salt != v2.Credentials.Salt {
		t.Fatalf("mock verifier salt is not deterministic")
	}
	if v1.Credentials.Iters != DefaultIterations {
		t.Fatalf("mock verifier should use the default iteration count")
	}
}

func TestGetVerifierMockDiffersByUser(t *testing.T) {
	store := mapStore{}
	v1 := GetVerifier(store, []byte("nonce"), "ghost1")
	v2 := GetVerifier(store, []byte("nonce"), "ghost2")
	if v1.Credentials.Salt == v2.Credentials.Salt {
		t.Fatalf("expected different mock salts for different usernames")
	}
}

func TestExchangeFullRoundTrip(t *testing.T) {
	password := []byte("correct horse battery staple")
	salt := "abcdefgh"
	creds := DeriveCredentials(password, salt, DefaultIterations)
	v := ScramVerifier{Username: "bob", Credentials: creds}

	serverExchange, err := NewExchange(v)
	if err != nil {
		t.Fatal(err)
	}

	client, err := scram.SHA256.NewClient("bob", string(password), "")
	if err != nil {
		t.Fatal(err)
	}
	clientConv := client.NewConversation()

	clientMsg, err := clientConv.Step("")
	if err != nil {
		t.Fatal(err)
	}
	for !serverExchange.Done() || !clientConv.Done() {
		serverMsg, err := serverExchange.Step(clientMsg)
		if err != nil {
			t.Fatalf("server step: %v", err)
		}
		if clientConv.Done() {
			break
		}
		clientMsg, err = clientConv.Step(serverMsg)
		if err != nil {
			t.Fatalf("client step: %v", err)
		}
	}

	if !serverExchange.Success() {
		t.Fatalf("expected a successful exchange for the correct password")
	}
}

func TestExchangeMockAlwaysFails(t *testing.T) {
	v := mockVerifier([]byte("nonce"), "ghost")
	e, err := NewExchange(v)
	if err != nil {
		t.Fatal(err)
	}
	if e.Success() {
		t.Fatalf("a mock verifier's exchange must never report success")
	}
}
