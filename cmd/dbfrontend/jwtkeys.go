package main

import (
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mevdschee/dbfrontend/auth"
)

// loadJWTKeys reads a PEM file of one or more public keys used to verify
// the JWT auth tokens described in spec.md §6, trying each of the
// algorithms auth.ParseToken accepts (RS256, ES256) in turn since a PEM
// bundle does not say which key type it holds.
func loadJWTKeys(path string) (auth.KeyProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if key, err := jwt.ParseRSAPublicKeyFromPEM(raw); err == nil {
		return auth.StaticKeys{key}, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(raw); err == nil {
		return auth.StaticKeys{key}, nil
	}
	return nil, fmt.Errorf("jwtkeys: %s is not a recognized RSA or EC public key", path)
}
