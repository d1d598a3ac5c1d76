package paramremap

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/mevdschee/dbfrontend/normalize"
	"github.com/mevdschee/dbfrontend/pgview"
)

func TestRemapArgumentsPreservesExternalAndAppendsHidden(t *testing.T) {
	bind := &pgproto3.Bind{
		ParameterFormatCodes: []int16{0},
		Parameters:           [][]byte{[]byte("42")},
		ResultFormatCodes:    []int16{0},
	}
	schema := Schema{
		ExternalCount: 1,
		Hidden: []HiddenParam{
			{Kind: HiddenExtractedConstant, TypeOID: normalize.OIDText, ConstantIndex: 0},
			{Kind: HiddenGlobal, TypeOID: normalize.OIDInt4, GlobalKey: "global default::tenant_id"},
		},
	}
	fe := pgview.Settings{"global default::tenant_id": "7"}
	extracted := []normalize.Constant{{Value: "alice", TypeOID: normalize.OIDText}}

	out, err := RemapArguments(bind, schema, fe, extracted)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Parameters) != 3 {
		t.Fatalf("expected 3 parameters, got %d", len(out.Parameters))
	}
	if !bytes.Equal(out.Parameters[0], []byte("42")) {
		t.Fatalf("external parameter was not preserved verbatim: %v", out.Parameters[0])
	}
	if out.ParameterFormatCodes[0] != 0 {
		t.Fatalf("external format code changed")
	}
	if !bytes.Equal(out.Parameters[1], []byte("alice")) {
		t.Fatalf("expected extracted constant text 'alice', got %q", out.Parameters[1])
	}
	if out.ParameterFormatCodes[1] != 0 {
		t.Fatalf("expected extracted constant to be text-format")
	}
	want := make([]byte, 4)
	binary.BigEndian.PutUint32(want, 7)
	if !bytes.Equal(out.Parameters[2], want) {
		t.Fatalf("expected global encoded as binary int4 7, got %v", out.Parameters[2])
	}
	if out.ParameterFormatCodes[2] != 1 {
		t.Fatalf("expected global to be binary-format")
	}
}

func TestRemapArgumentsBroadcastsSingleFormatCode(t *testing.T) {
	bind := &pgproto3.Bind{
		ParameterFormatCodes: []int16{1},
		Parameters:           [][]byte{{0, 0, 0, 1}, {0, 0, 0, 2}},
	}
	schema := Schema{ExternalCount: 2}
	out, err := RemapArguments(bind, schema, pgview.Settings{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range out.ParameterFormatCodes {
		if c != 1 {
			t.Fatalf("expected broadcast format code 1 at %d, got %d", i, c)
		}
	}
}

func TestRemapArgumentsRejectsWrongExternalCount(t *testing.T) {
	bind := &pgproto3.Bind{Parameters: [][]byte{[]byte("x")}}
	_, err := RemapArguments(bind, Schema{ExternalCount: 2}, pgview.Settings{}, nil)
	if err == nil {
		t.Fatalf("expected a protocol violation error")
	}
}

func TestRemapArgumentsMissingGlobalEncodesNull(t *testing.T) {
	bind := &pgproto3.Bind{}
	schema := Schema{Hidden: []HiddenParam{{Kind: HiddenGlobal, TypeOID: normalize.OIDText, GlobalKey: "global default::missing"}}}
	out, err := RemapArguments(bind, schema, pgview.Settings{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Parameters[0] != nil {
		t.Fatalf("expected a NULL parameter for a missing global, got %v", out.Parameters[0])
	}
}

func TestEncodeBinaryUUID(t *testing.T) {
	id := uuid.New()
	raw, err := encodeBinary(normalize.OIDUUID, id.String())
	if err != nil {
		t.Fatal(err)
	}
	got, err := uuid.FromBytes(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("round-tripped uuid mismatch: %v != %v", got, id)
	}
}

func TestRemapParametersAppendsOIDs(t *testing.T) {
	parse := &pgproto3.Parse{ParameterOIDs: []uint32{normalize.OIDInt4}}
	schema := Schema{
		Hidden: []HiddenParam{
			{Kind: HiddenExtractedConstant, TypeOID: normalize.OIDText},
			{Kind: HiddenGlobal},
		},
	}
	out := RemapParameters(parse, schema)
	want := []uint32{normalize.OIDInt4, normalize.OIDText, 0}
	if len(out.ParameterOIDs) != len(want) {
		t.Fatalf("expected %d OIDs, got %d", len(want), len(out.ParameterOIDs))
	}
	for i := range want {
		if out.ParameterOIDs[i] != want[i] {
			t.Fatalf("OID %d: got %d, want %d", i, out.ParameterOIDs[i], want[i])
		}
	}
}

func TestIsSettingTruthy(t *testing.T) {
	cases := []struct {
		in      string
		truthy  bool
		ok      bool
	}{
		{"on", true, true},
		{"ON", true, true},
		{"true", true, true},
		{"t", true, true},
		{"yes", true, true},
		{"1", true, true},
		{"off", false, true},
		{"false", false, true},
		{"f", false, true},
		{"no", false, true},
		{"0", false, true},
		{"o", false, false},
		{"xyz", false, false},
		{"", false, false},
	}
	for _, c := range cases {
		truthy, ok := IsSettingTruthy(c.in)
		if truthy != c.truthy || ok != c.ok {
			t.Errorf("IsSettingTruthy(%q) = (%v, %v), want (%v, %v)", c.in, truthy, ok, c.truthy, c.ok)
		}
	}
}
