package command

import (
	"errors"
	"reflect"
	"testing"

	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/modifiers"
	"lockstep.gg/internal/sim/state"
)

func sampleCommands() []Command {
	return []Command{
		&ChangeOwner{Header: Header{Tick: 100}, Province: 1, NewOwner: 50},
		&SetController{Header: Header{Tick: 7}, Province: 65535, Controller: 3},
		&SetTerrain{Header: Header{Tick: 1 << 30}, Province: 12, Terrain: 9},
		&AddModifier{
			Header: Header{Tick: 44},
			Scope:  modifiers.ScopeProvince,
			Target: 300,
			Source: modifiers.Source{
				Type:           modifiers.SourceTechnology,
				SourceID:       0xdeadbeef,
				ModType:        511,
				Value:          fixed.MustParse("-0.125"),
				Multiplicative: true,
				Temporary:      true,
				ExpiresTick:    900,
			},
		},
		&RemoveModifier{Header: Header{Tick: 45}, Scope: modifiers.ScopeGlobal, SourceType: modifiers.SourceEvent, SourceID: 17},
		&AddOpinionModifier{Header: Header{Tick: 46}, From: 4, To: 5, Source: 2, Value: fixed.FromInt(-50), Decay: fixed.MustParse("0.5")},
		&SetTreaty{Header: Header{Tick: 47}, From: 4, To: 5, Treaty: state.TreatyAlliance | state.TreatyGuarantee, On: true},
		&AdjustTreasury{Header: Header{Tick: 48}, Country: 9, Delta: fixed.MustParse("1234.5678")},
	}
}

func TestRecordSizes(t *testing.T) {
	want := map[TypeID]int{
		TypeChangeOwner:        9,
		TypeSetController:      9,
		TypeSetTerrain:         9,
		TypeAddModifier:        28,
		TypeRemoveModifier:     13,
		TypeAddOpinionModifier: 27,
		TypeSetTreaty:          12,
		TypeAdjustTreasury:     15,
	}
	for _, tag := range Types() {
		size, ok := Size(tag)
		if !ok || size != want[tag] {
			t.Fatalf("%s: size %d, want %d", Name(tag), size, want[tag])
		}
	}

	buf, err := Encode(nil, &ChangeOwner{Header: Header{Tick: 100}, Province: 1, NewOwner: 50})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	golden := []byte{1, 100, 0, 0, 0, 1, 0, 50, 0}
	if !reflect.DeepEqual(buf, golden) {
		t.Fatalf("change_owner wire = %v, want %v", buf, golden)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, c := range sampleCommands() {
		buf, err := Encode(nil, c)
		if err != nil {
			t.Fatalf("encode %s: %v", Name(c.Type()), err)
		}
		if len(buf) != c.Size() {
			t.Fatalf("%s: wrote %d bytes, size %d", Name(c.Type()), len(buf), c.Size())
		}
		got, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode %s: %v", Name(c.Type()), err)
		}
		if n != len(buf) {
			t.Fatalf("%s: consumed %d of %d", Name(c.Type()), n, len(buf))
		}
		if !reflect.DeepEqual(got, c) {
			t.Fatalf("%s: round trip %+v != %+v", Name(c.Type()), got, c)
		}
		if got.Checksum() != c.Checksum() {
			t.Fatalf("%s: checksum changed across round trip", Name(c.Type()))
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, _, err := Decode([]byte{200, 0, 0, 0, 0}); !errors.Is(err, ErrUnknownCommandType) {
		t.Fatalf("unknown tag: got %v", err)
	}
	if _, _, err := Decode(nil); !errors.Is(err, ErrTruncatedPayload) {
		t.Fatalf("empty: got %v", err)
	}
	if _, _, err := Decode([]byte{byte(TypeChangeOwner), 1, 0, 0, 0, 1, 0, 50}); !errors.Is(err, ErrTruncatedPayload) {
		t.Fatalf("short change_owner: got %v", err)
	}
	var c ChangeOwner
	if _, err := c.Decode([]byte{byte(TypeSetTerrain), 0, 0, 0, 0, 0, 0, 0, 0}); !errors.Is(err, ErrUnknownCommandType) {
		t.Fatalf("mismatched tag: got %v", err)
	}
	if _, err := c.Encode(make([]byte, 8)); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("short destination: got %v", err)
	}
}

func TestBatchRoundTripCarriesPlayer(t *testing.T) {
	cmds := sampleCommands()
	for _, c := range cmds {
		c.SetPlayer(7)
	}
	buf, err := EncodeBatch(nil, Batch{Player: 7, Tick: 40, Commands: cmds})
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	b, err := DecodeBatch(buf)
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if b.Player != 7 || b.Tick != 40 || len(b.Commands) != len(cmds) {
		t.Fatalf("batch envelope = %d/%d/%d", b.Player, b.Tick, len(b.Commands))
	}
	for i := range cmds {
		if !reflect.DeepEqual(b.Commands[i], cmds[i]) {
			t.Fatalf("command %d: %+v != %+v", i, b.Commands[i], cmds[i])
		}
		if b.Commands[i].Meta().Player != 7 {
			t.Fatalf("command %d lost its player", i)
		}
	}
	if StreamChecksum(b.Commands) != StreamChecksum(cmds) {
		t.Fatalf("stream checksum changed across batch round trip")
	}
}

func TestBatchErrors(t *testing.T) {
	buf, err := EncodeBatch(nil, Batch{Player: 1, Tick: 2, Commands: sampleCommands()[:2]})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeBatch(buf[:len(buf)-1]); !errors.Is(err, ErrTruncatedPayload) {
		t.Fatalf("truncated record: got %v", err)
	}
	if _, err := DecodeBatch(buf[:4]); !errors.Is(err, ErrTruncatedPayload) {
		t.Fatalf("truncated header: got %v", err)
	}
	bad := append([]byte(nil), buf...)
	bad[0] = 9
	if _, err := DecodeBatch(bad); !errors.Is(err, ErrBatchVersion) {
		t.Fatalf("version: got %v", err)
	}
	bad = append(append([]byte(nil), buf...), 0)
	if _, err := DecodeBatch(bad); err == nil {
		t.Fatalf("trailing bytes accepted")
	}
	bad = append([]byte(nil), buf...)
	bad[batchHeaderSize] = 250
	if _, err := DecodeBatch(bad); !errors.Is(err, ErrUnknownCommandType) {
		t.Fatalf("unknown record tag: got %v", err)
	}
}

func TestRegistryLookup(t *testing.T) {
	for _, tag := range Types() {
		c, err := New(tag)
		if err != nil || c.Type() != tag {
			t.Fatalf("new %d: %v", tag, err)
		}
		if got, ok := ByName(Name(tag)); !ok || got != tag {
			t.Fatalf("by name %s: %d", Name(tag), got)
		}
	}
	if _, err := New(0); !errors.Is(err, ErrUnknownCommandType) {
		t.Fatalf("tag 0: got %v", err)
	}
}
