// Package paramremap rewrites Bind argument blocks and Parse parameter-type
// lists to inject two kinds of hidden trailing parameters the wire never
// carries: extracted constants (literals the normalizer hoisted out of the
// query text) and globals (frontend-settings values keyed by
// `global <module>::<name>`), per spec.md §4.G. Bind/Parse payloads are
// handled as already-decoded github.com/jackc/pgx/v5/pgproto3 messages
// rather than raw bytes, so this package never touches wire framing
// itself.
package paramremap

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/errs"
	"github.com/mevdschee/dbfrontend/normalize"
	"github.com/mevdschee/dbfrontend/pgview"
)

// Postgres OIDs not already named by package normalize.
const (
	oidInt2   = 21
	oidFloat4 = 700
)

// HiddenKind distinguishes the two flavors of injected parameter.
type HiddenKind int

const (
	HiddenExtractedConstant HiddenKind = iota
	HiddenGlobal
)

// HiddenParam describes one trailing parameter a compiled unit expects
// beyond what the client supplied.
type HiddenParam struct {
	Kind    HiddenKind
	TypeOID uint32
	// GlobalKey is the fe_settings lookup key for a HiddenGlobal, e.g.
	// "global default::current_user_id".
	GlobalKey string
	// ConstantIndex indexes into the extracted-constants slice for a
	// HiddenExtractedConstant, in the order normalize.Normalize produced
	// them.
	ConstantIndex int
}

// Schema is the full parameter list a compiled unit expects: how many
// external (client-visible) parameters come first, then the hidden ones
// in declared order (spec.md §3's `first_extra`/`extra_counts`).
type Schema struct {
	ExternalCount int
	Hidden        []HiddenParam
}

// RemapArguments rewrites bind's parameter block per spec.md §4.G:
// external values pass through verbatim (format code broadcast per PG
// rules), extracted constants are appended as text, and globals as
// binary.
func RemapArguments(bind *pgproto3.Bind, schema Schema, feSettings pgview.Settings, extracted []normalize.Constant) (*pgproto3.Bind, error) {
	if len(bind.Parameters) != schema.ExternalCount {
		return nil, errs.Newf(errs.KindProtocolViolation,
			"expected %d parameters, got %d", schema.ExternalCount, len(bind.Parameters))
	}

	codeFor := func(i int) int16 {
		switch len(bind.ParameterFormatCodes) {
		case 0:
			return 0
		case 1:
			return bind.ParameterFormatCodes[0]
		default:
			return bind.ParameterFormatCodes[i]
		}
	}

	total := schema.ExternalCount + len(schema.Hidden)
	formats := make([]int16, 0, total)
	values := make([][]byte, 0, total)

	for i := 0; i < schema.ExternalCount; i++ {
		formats = append(formats, codeFor(i))
		values = append(values, bind.Parameters[i])
	}

	for _, h := range schema.Hidden {
		switch h.Kind {
		case HiddenExtractedConstant:
			formats = append(formats, 0) // text
			if h.ConstantIndex < 0 || h.ConstantIndex >= len(extracted) {
				return nil, errs.New(errs.KindInternal, "paramremap: extracted constant index out of range")
			}
			c := extracted[h.ConstantIndex]
			if c.IsNull {
				values = append(values, nil)
			} else {
				values = append(values, []byte(c.Value))
			}
		case HiddenGlobal:
			formats = append(formats, 1) // binary
			raw, ok := feSettings.Get(h.GlobalKey)
			if !ok {
				values = append(values, nil)
				continue
			}
			encoded, err := encodeBinary(h.TypeOID, raw)
			if err != nil {
				return nil, err
			}
			values = append(values, encoded)
		}
	}

	return &pgproto3.Bind{
		DestinationPortal:    bind.DestinationPortal,
		PreparedStatement:    bind.PreparedStatement,
		ParameterFormatCodes: formats,
		Parameters:           values,
		ResultFormatCodes:    bind.ResultFormatCodes,
	}, nil
}

// RemapParameters appends OID type codes for the hidden parameters to the
// end of parse's parameter-type list: 0 (unspecified) for globals, the
// declared type for extracted constants (spec.md §4.G).
func RemapParameters(parse *pgproto3.Parse, schema Schema) *pgproto3.Parse {
	oids := make([]uint32, 0, len(parse.ParameterOIDs)+len(schema.Hidden))
	oids = append(oids, parse.ParameterOIDs...)
	for _, h := range schema.Hidden {
		if h.Kind == HiddenExtractedConstant {
			oids = append(oids, h.TypeOID)
		} else {
			oids = append(oids, 0)
		}
	}
	out := *parse
	out.ParameterOIDs = oids
	return &out
}

// encodeBinary renders a frontend-settings value as the PG binary wire
// representation for the given declared type OID (spec.md §4.G).
func encodeBinary(oid uint32, text string) ([]byte, error) {
	switch oid {
	case normalize.OIDText:
		return []byte(text), nil
	case normalize.OIDUUID:
		u, err := uuid.Parse(text)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		b := [16]byte(u)
		return b[:], nil
	case oidInt2:
		n, err := strconv.ParseInt(text, 10, 16)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(n))
		return buf, nil
	case normalize.OIDInt4:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(n))
		return buf, nil
	case normalize.OIDInt8:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return buf, nil
	case normalize.OIDBool:
		truthy, ok := IsSettingTruthy(text)
		if !ok {
			return nil, errs.Newf(errs.KindInternal, "paramremap: ambiguous boolean value %q", text)
		}
		if truthy {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case oidFloat4:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(f)))
		return buf, nil
	case normalize.OIDFloat8:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err)
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(f))
		return buf, nil
	default:
		return []byte(text), nil
	}
}

// IsSettingTruthy parses a frontend setting value per spec.md §4.G:
// case-insensitive prefixes of on/true/yes/1 are true, off/false/no/0 are
// false, and a value that prefixes both (the single letter "o") is
// ambiguous (ok=false).
func IsSettingTruthy(value string) (truthy bool, ok bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return false, false
	}
	trueWords := []string{"on", "true", "yes", "1"}
	falseWords := []string{"off", "false", "no", "0"}

	matchesTrue, matchesFalse := false, false
	for _, w := range trueWords {
		if strings.HasPrefix(w, v) {
			matchesTrue = true
		}
	}
	for _, w := range falseWords {
		if strings.HasPrefix(w, v) {
			matchesFalse = true
		}
	}
	switch {
	case matchesTrue && matchesFalse:
		return false, false
	case matchesTrue:
		return true, true
	case matchesFalse:
		return false, true
	default:
		return false, false
	}
}
