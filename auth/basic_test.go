package auth

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"testing"
)

func TestParseBasicAuth(t *testing.T) {
	token := base64.StdEncoding.EncodeToString([]byte("alice:p@ss:word"))
	user, pass, err := ParseBasicAuth(token)
	if err != nil {
		t.Fatal(err)
	}
	if user != "alice" || pass != "p@ss:word" {
		t.Fatalf("got (%q, %q), want (alice, p@ss:word)", user, pass)
	}
}

func TestParseBasicAuthMissingColon(t *testing.T) {
	token := base64.StdEncoding.EncodeToString([]byte("no-colon-here"))
	if _, _, err := ParseBasicAuth(token); err == nil {
		t.Fatalf("expected an error for a token missing ':'")
	}
}

func TestParseBasicAuthBadBase64(t *testing.T) {
	if _, _, err := ParseBasicAuth("not base64!!!"); err == nil {
		t.Fatalf("expected an error for invalid base64")
	}
}

func TestVerifyPeerCertificate(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "alice"}}
	state := &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}

	if err := VerifyPeerCertificate(state, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := VerifyPeerCertificate(state, "bob"); err == nil {
		t.Fatalf("expected a mismatch error")
	}
}

func TestVerifyPeerCertificateNoCert(t *testing.T) {
	state := &tls.ConnectionState{}
	if err := VerifyPeerCertificate(state, "alice"); err == nil {
		t.Fatalf("expected an error when no client certificate was presented")
	}
}
