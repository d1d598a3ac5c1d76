package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestParseTokenV1NamespacedRoles(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keys := StaticKeys{&key.PublicKey}

	raw := signToken(t, key, jwt.MapClaims{
		"edb.r": []interface{}{"admin", "writer"},
		"edb.i": []interface{}{"main"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := ParseToken(prefixEdgeDBV1+raw, keys)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.AllowsRole("admin") || claims.AllowsRole("nope") {
		t.Fatalf("unexpected role scope: %+v", claims.Roles)
	}
	if !claims.AllowsInstance("main") || claims.AllowsInstance("other") {
		t.Fatalf("unexpected instance scope: %+v", claims.Instances)
	}
	// databases claim absent => unrestricted
	if !claims.AllowsDatabase("anything") {
		t.Fatalf("expected an absent edb.d claim to be unrestricted")
	}
}

func TestParseTokenV1AllBypass(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	keys := StaticKeys{&key.PublicKey}

	raw := signToken(t, key, jwt.MapClaims{
		"edb.r.all": true,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	claims, err := ParseToken(prefixEdgeDBV1+raw, keys)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.AllowsRole("anyone at all") {
		t.Fatalf("edb.r.all=true should bypass role scoping")
	}
}

func TestParseTokenV0LegacyClaims(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	keys := StaticKeys{&key.PublicKey}

	raw := signToken(t, key, jwt.MapClaims{
		"edgedb.server.roles": []interface{}{"admin"},
		"exp":                 time.Now().Add(time.Hour).Unix(),
	})

	claims, err := ParseToken(prefixEdgeDBV0+raw, keys)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Version != 0 {
		t.Fatalf("expected version 0")
	}
	if !claims.AllowsRole("admin") || claims.AllowsRole("other") {
		t.Fatalf("unexpected v0 role scope: %+v", claims.Roles)
	}
}

func TestParseTokenRejectsUnrecognizedPrefix(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	keys := StaticKeys{&key.PublicKey}
	raw := signToken(t, key, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if _, err := ParseToken("bogus_"+raw, keys); err == nil {
		t.Fatalf("expected an error for an unrecognized token prefix")
	}
}

func TestParseTokenRejectsWrongKey(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	keys := StaticKeys{&otherKey.PublicKey}

	raw := signToken(t, key, jwt.MapClaims{
		"edb.r.all": true,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	if _, err := ParseToken(prefixEdgeDBV1+raw, keys); err == nil {
		t.Fatalf("expected verification to fail against a non-matching key")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	keys := StaticKeys{&key.PublicKey}
	raw := signToken(t, key, jwt.MapClaims{
		"edb.r.all": true,
		"exp":       time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := ParseToken(prefixEdgeDBV1+raw, keys); err == nil {
		t.Fatalf("expected an expired token to be rejected")
	}
}
