package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Recognized token prefixes (spec.md §4.C). The "1_" generation marks the
// v1 namespaced-claim shape; the unsuffixed generation is the legacy v0
// dotted-claim shape.
const (
	prefixEdgeDBV0 = "edbt_"
	prefixEdgeDBV1 = "edbt1_"
	prefixNotebookV0 = "nbwt_"
	prefixNotebookV1 = "nbwt1_"
)

// allowedAlgorithms restricts token verification to asymmetric algorithms,
// so a stolen verification key alone can never be used to mint tokens.
var allowedAlgorithms = []string{"RS256", "ES256"}

// Claims is the scope a verified token grants, normalized across the v0
// and v1 claim shapes.
type Claims struct {
	Version int // 0 or 1

	Roles    []string
	RolesAll bool

	Instances    []string
	InstancesAll bool

	Databases    []string
	DatabasesAll bool
}

// KeyProvider resolves the public keys tokens may be verified against.
// Multiple keys support rotation without invalidating outstanding tokens.
type KeyProvider interface {
	Keys() []interface{} // *rsa.PublicKey or *ecdsa.PublicKey
}

// StaticKeys is the simplest KeyProvider: a fixed set configured at
// startup.
type StaticKeys []interface{}

func (k StaticKeys) Keys() []interface{} { return k }

// stripPrefix identifies the token generation and strips its marker,
// returning the bare JWT and claim version; ok is false for an
// unrecognized prefix, which ParseToken reports like any other failure.
func stripPrefix(token string) (bare string, version int, ok bool) {
	switch {
	case strings.HasPrefix(token, prefixEdgeDBV1):
		return token[len(prefixEdgeDBV1):], 1, true
	case strings.HasPrefix(token, prefixNotebookV1):
		return token[len(prefixNotebookV1):], 1, true
	case strings.HasPrefix(token, prefixEdgeDBV0):
		return token[len(prefixEdgeDBV0):], 0, true
	case strings.HasPrefix(token, prefixNotebookV0):
		return token[len(prefixNotebookV0):], 0, true
	default:
		return "", 0, false
	}
}

// ParseToken verifies the signature, algorithm and claim shape of a
// prefixed bearer token. Each failure — bad prefix, bad signature, expired,
// malformed claims — returns a plain error; callers report every one of
// them as errs.Opaque() without distinguishing causes to the client
// (spec.md §4.C, §8.2).
func ParseToken(token string, keys KeyProvider) (*Claims, error) {
	bare, version, ok := stripPrefix(token)
	if !ok {
		return nil, fmt.Errorf("auth: unrecognized token prefix")
	}

	keyFunc := func(t *jwt.Token) (interface{}, error) {
		for _, k := range keys.Keys() {
			switch t.Method.Alg() {
			case "RS256":
				if _, isRSA := k.(*rsa.PublicKey); isRSA {
					return k, nil
				}
			case "ES256":
				if _, isEC := k.(*ecdsa.PublicKey); isEC {
					return k, nil
				}
			}
		}
		return nil, fmt.Errorf("auth: no matching verification key")
	}

	parsed, err := jwt.Parse(bare, keyFunc, jwt.WithValidMethods(allowedAlgorithms))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("auth: token verification failed")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("auth: malformed claims")
	}

	if version == 1 {
		return parseClaimsV1(claims)
	}
	return parseClaimsV0(claims)
}

// parseClaimsV1 reads the namespaced edb.r / edb.i / edb.d claims, each
// with a sibling "<claim>.all" boolean bypass (spec.md §4.C).
func parseClaimsV1(c jwt.MapClaims) (*Claims, error) {
	out := &Claims{Version: 1}
	var err error
	if out.Roles, out.RolesAll, err = readScopeClaim(c, "edb.r"); err != nil {
		return nil, err
	}
	if out.Instances, out.InstancesAll, err = readScopeClaim(c, "edb.i"); err != nil {
		return nil, err
	}
	if out.Databases, out.DatabasesAll, err = readScopeClaim(c, "edb.d"); err != nil {
		return nil, err
	}
	return out, nil
}

// parseClaimsV0 reads the legacy dotted claim shape, which only ever
// scoped roles.
func parseClaimsV0(c jwt.MapClaims) (*Claims, error) {
	out := &Claims{Version: 0}
	roles, _ := readStringSlice(c["edgedb.server.roles"])
	out.Roles = roles
	if anyRole, ok := c["edgedb.server.any_role"].(bool); ok {
		out.RolesAll = anyRole
	}
	return out, nil
}

func readScopeClaim(c jwt.MapClaims, key string) (values []string, all bool, err error) {
	if v, ok := c[key+".all"].(bool); ok && v {
		return nil, true, nil
	}
	raw, present := c[key]
	if !present {
		// absent claim means unrestricted for that dimension, per spec.md
		// §4.C's "if present" qualifier.
		return nil, false, nil
	}
	values, ok := readStringSlice(raw)
	if !ok {
		return nil, false, fmt.Errorf("auth: malformed %s claim", key)
	}
	return values, false, nil
}

func readStringSlice(raw interface{}) ([]string, bool) {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// AllowsRole reports whether the token's scope includes the given role
// name. An absent or "all" roles claim is unrestricted.
func (c *Claims) AllowsRole(role string) bool {
	return allows(c.Roles, c.RolesAll, role)
}

func (c *Claims) AllowsInstance(name string) bool {
	return allows(c.Instances, c.InstancesAll, name)
}

func (c *Claims) AllowsDatabase(name string) bool {
	return allows(c.Databases, c.DatabasesAll, name)
}

func allows(scope []string, all bool, want string) bool {
	if all || len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == want {
			return true
		}
	}
	return false
}
