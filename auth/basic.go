package auth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// ParseBasicAuth decodes an HTTP "Authorization: Basic <token>" header value
// (the already-stripped base64 token, not including the "Basic " scheme) per
// spec.md §4.J. Passwords may themselves contain ':', so only the first
// separator is significant (RFC 7617).
func ParseBasicAuth(token string) (user, password string, err error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("auth: malformed basic auth token: %w", err)
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("auth: basic auth token missing ':'")
	}
	return user, password, nil
}

// PeerCertificateUser extracts the bound username from an mTLS client
// certificate's Common Name, per spec.md §4.C's mTLS binding. The caller is
// responsible for having already verified the certificate chain against a
// trusted CA (tls.Config.ClientAuth = RequireAndVerifyClientCert).
func PeerCertificateUser(state *tls.ConnectionState) (string, error) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("auth: no client certificate presented")
	}
	cert := state.PeerCertificates[0]
	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("auth: client certificate has no common name")
	}
	return cert.Subject.CommonName, nil
}

// VerifyPeerCertificate checks that the presented client certificate's
// Common Name matches the username the client claims over the wire
// protocol's own auth fields. EdgeDB/PG both allow mTLS to either replace
// or corroborate password auth; this module only implements corroboration.
func VerifyPeerCertificate(state *tls.ConnectionState, claimedUser string) error {
	cn, err := PeerCertificateUser(state)
	if err != nil {
		return err
	}
	if cn != claimedUser {
		return fmt.Errorf("auth: client certificate common name %q does not match user %q", cn, claimedUser)
	}
	return nil
}

// ParseCertificatePEM is a convenience used by config loading to turn a CA
// bundle file's contents into a pool for ClientCAs.
func ParseCertificatePEM(pemBytes []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("auth: no certificates found in PEM data")
	}
	return pool, nil
}
