package state

import (
	"bytes"
	"errors"
	"slices"
	"sync"
	"testing"
	"unsafe"

	"lockstep.gg/internal/sim/fixed"
)

func testConfig() Config {
	return Config{
		Provinces:        16,
		Countries:        8,
		OpinionModifiers: 64,
		OpinionMin:       fixed.FromInt(-200),
		OpinionMax:       fixed.FromInt(200),
	}
}

// newLoaded returns a store with countries 1..3 and provinces 1..6, owned in
// pairs by countries 1, 2 and 3.
func newLoaded(t *testing.T) *Store {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for c := CountryID(1); c <= 3; c++ {
		if err := s.AddCountry(c, CountryHot{Flags: CountryPlayable, Treasury: fixed.FromInt(100)}, CountryCold{Tag: "C", Name: "Country"}); err != nil {
			t.Fatalf("add country %d: %v", c, err)
		}
	}
	for p := ProvinceID(1); p <= 6; p++ {
		owner := CountryID((p + 1) / 2)
		if err := s.AddProvince(p, ProvinceState{OwnerID: owner, ControllerID: owner, TerrainType: uint16(p)}); err != nil {
			t.Fatalf("add province %d: %v", p, err)
		}
	}
	if err := s.FinishLoad(); err != nil {
		t.Fatalf("finish load: %v", err)
	}
	return s
}

func TestHotRecordSizes(t *testing.T) {
	if got := unsafe.Sizeof(ProvinceState{}); got != 8 {
		t.Fatalf("ProvinceState is %d bytes, want 8", got)
	}
	if got := unsafe.Sizeof(RelationData{}); got != 8 {
		t.Fatalf("RelationData is %d bytes, want 8", got)
	}
}

func TestViewValidRightAfterLoad(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.AddCountry(5, CountryHot{}, CountryCold{Name: "Five"}); err != nil {
		t.Fatalf("add country: %v", err)
	}
	for _, p := range []ProvinceID{1, 2, 3} {
		if err := s.AddProvince(p, ProvinceState{OwnerID: 5, ControllerID: 5}); err != nil {
			t.Fatalf("add province: %v", err)
		}
	}
	if err := s.FinishLoad(); err != nil {
		t.Fatalf("finish load: %v", err)
	}

	v := s.View()
	got := v.GetCountryProvinces(5)
	if !slices.Equal(got, []ProvinceID{1, 2, 3}) {
		t.Fatalf("provinces before first swap: got %v", got)
	}
	if name := v.CountryName(5); name != "Five" {
		t.Fatalf("country name: %q", name)
	}
}

func TestLookupErrors(t *testing.T) {
	s := newLoaded(t)

	if _, err := s.Province(999); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("province 999: want ErrOutOfRange, got %v", err)
	}
	if _, err := s.Province(10); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("province 10: want ErrNotRegistered, got %v", err)
	}
	if _, err := s.View().GetCountry(7); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("country 7: want ErrNotRegistered, got %v", err)
	}
	if _, err := s.Relation(1, 100); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("relation out of range: got %v", err)
	}
}

func TestLoadPhaseRules(t *testing.T) {
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var ce *CapacityError
	if err := s.AddProvince(16, ProvinceState{}); !errors.As(err, &ce) || ce.Kind != "provinces" {
		t.Fatalf("province beyond capacity: got %v", err)
	}
	if err := s.AddCountry(NoCountry, CountryHot{}, CountryCold{}); !errors.Is(err, ErrReservedID) {
		t.Fatalf("country 0: got %v", err)
	}
	if err := s.AddProvince(1, ProvinceState{OwnerID: 4}); err != nil {
		t.Fatalf("add province: %v", err)
	}
	if err := s.AddProvince(1, ProvinceState{}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate province: got %v", err)
	}
	// owner 4 was never registered
	if err := s.FinishLoad(); !errors.As(err, &ce) {
		t.Fatalf("dangling owner: got %v", err)
	}
	if err := s.SwapFrame(); !errors.Is(err, ErrLoading) {
		t.Fatalf("swap while loading: got %v", err)
	}
}

func TestWriterOutsideExecution(t *testing.T) {
	s := newLoaded(t)
	w := s.BeginExec()
	if err := w.SetTerrain(1, 9); err != nil {
		t.Fatalf("set terrain: %v", err)
	}
	s.EndExec()
	if err := w.SetTerrain(1, 10); !errors.Is(err, ErrNotExecuting) {
		t.Fatalf("stale writer: got %v", err)
	}
	st, _ := s.Province(1)
	if st.TerrainType != 9 {
		t.Fatalf("terrain = %d", st.TerrainType)
	}
}

func TestSetOwnerMovesIndexAndController(t *testing.T) {
	s := newLoaded(t)
	w := s.BeginExec()
	if err := w.SetController(1, 3); err != nil {
		t.Fatalf("set controller: %v", err)
	}
	if err := w.SetOwner(1, 2); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	if err := w.SetOwner(2, 9); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered owner: got %v", err)
	}
	s.EndExec()

	st, _ := s.Province(1)
	if st.OwnerID != 2 || st.ControllerID != 2 {
		t.Fatalf("province 1 = %+v", st)
	}
	if got := s.AppendCountryProvinces(nil, 2); !slices.Equal(got, []ProvinceID{1, 3, 4}) {
		t.Fatalf("country 2 provinces: %v", got)
	}
	if got := s.CountryProvinceCount(1); got != 1 {
		t.Fatalf("country 1 count = %d", got)
	}

	// the view still shows the previous frame until the swap
	if got := s.View().GetCountryProvinces(2); !slices.Equal(got, []ProvinceID{3, 4}) {
		t.Fatalf("view before swap: %v", got)
	}
	if err := s.SwapFrame(); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got := s.View().GetCountryProvinces(2); !slices.Equal(got, []ProvinceID{1, 3, 4}) {
		t.Fatalf("view after swap: %v", got)
	}
}

func TestTreatySymmetric(t *testing.T) {
	s := newLoaded(t)
	w := s.BeginExec()
	if err := w.SetTreaty(1, 2, TreatyAlliance|TreatyMilitaryAccess, true, 7); err != nil {
		t.Fatalf("set treaty: %v", err)
	}
	if err := w.SetTreaty(2, 1, TreatyMilitaryAccess, false, 8); err != nil {
		t.Fatalf("clear treaty: %v", err)
	}
	s.EndExec()
	for _, pair := range [][2]CountryID{{1, 2}, {2, 1}} {
		rel, _ := s.Relation(pair[0], pair[1])
		if rel.Treaties != TreatyAlliance || rel.LastContact != 8 {
			t.Fatalf("relation %v = %+v", pair, rel)
		}
	}
}

func TestDecayIsIdempotentPerTick(t *testing.T) {
	s := newLoaded(t)
	w := s.BeginExec()
	defer s.EndExec()
	err := w.AddOpinionModifier(OpinionModifier{From: 1, To: 2, Value: fixed.FromInt(10), DecayPerTick: fixed.One})
	if err != nil {
		t.Fatalf("add modifier: %v", err)
	}
	if _, err := w.DecayOpinions(4, 1); err != nil {
		t.Fatalf("decay: %v", err)
	}
	if _, err := w.DecayOpinions(4, 1); err != nil {
		t.Fatalf("decay again: %v", err)
	}
	if got, _ := s.EffectiveOpinion(1, 2); got != fixed.FromInt(6) {
		t.Fatalf("opinion after decay to tick 4 = %s, want 6", got)
	}
	removed, err := w.DecayOpinions(20, 1)
	if err != nil || removed != 1 {
		t.Fatalf("final decay: removed=%d err=%v", removed, err)
	}
	if got, _ := s.EffectiveOpinion(1, 2); got != 0 {
		t.Fatalf("opinion after expiry = %s", got)
	}
	if len(s.OpinionModifiers()) != 0 {
		t.Fatalf("modifier not removed")
	}
}

func TestEffectiveOpinionClamped(t *testing.T) {
	s := newLoaded(t)
	w := s.BeginExec()
	if err := w.SetRelation(1, 3, RelationData{Opinion: 150}); err != nil {
		t.Fatalf("set relation: %v", err)
	}
	if err := w.AddOpinionModifier(OpinionModifier{From: 1, To: 3, Value: fixed.FromInt(100)}); err != nil {
		t.Fatalf("add modifier: %v", err)
	}
	for _, v := range []fixed.Value{fixed.FromInt(401), fixed.FromInt(-401), fixed.Max, fixed.Min} {
		if err := w.AddOpinionModifier(OpinionModifier{From: 1, To: 3, Value: v}); !errors.Is(err, ErrModifierRange) {
			t.Fatalf("modifier %s: %v", v, err)
		}
	}
	s.EndExec()
	if got, _ := s.EffectiveOpinion(1, 3); got != fixed.FromInt(200) {
		t.Fatalf("effective opinion = %s, want 200", got)
	}
	// the reverse direction is independent
	if got, _ := s.EffectiveOpinion(3, 1); got != 0 {
		t.Fatalf("reverse opinion = %s", got)
	}
}

func decayStore(t *testing.T) *Store {
	t.Helper()
	cfg := testConfig()
	cfg.OpinionModifiers = 6000
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for c := CountryID(1); c < 8; c++ {
		if err := s.AddCountry(c, CountryHot{}, CountryCold{}); err != nil {
			t.Fatalf("add country: %v", err)
		}
	}
	for i := 0; i < 5000; i++ {
		m := OpinionModifier{
			From:         CountryID(1 + i%7),
			To:           CountryID(1 + (i/7)%7),
			Source:       uint16(i),
			Value:        fixed.FromInt(int64(i%50 - 25)),
			DecayPerTick: fixed.FromRatio(int64(i%5), 2),
		}
		if err := s.LoadOpinionModifier(m); err != nil {
			t.Fatalf("load modifier %d: %v", i, err)
		}
	}
	if err := s.FinishLoad(); err != nil {
		t.Fatalf("finish load: %v", err)
	}
	return s
}

func TestParallelDecayMatchesSerial(t *testing.T) {
	serial, parallel := decayStore(t), decayStore(t)
	for _, tick := range []uint32{3, 10, 40} {
		w := serial.BeginExec()
		rs, err := w.DecayOpinions(tick, 1)
		serial.EndExec()
		if err != nil {
			t.Fatalf("serial decay: %v", err)
		}
		w = parallel.BeginExec()
		rp, err := w.DecayOpinions(tick, 4)
		parallel.EndExec()
		if err != nil {
			t.Fatalf("parallel decay: %v", err)
		}
		if rs != rp {
			t.Fatalf("tick %d: removed %d vs %d", tick, rs, rp)
		}
		if !slices.Equal(serial.OpinionModifiers(), parallel.OpinionModifiers()) {
			t.Fatalf("tick %d: modifier stores differ", tick)
		}
		for a := CountryID(1); a < 8; a++ {
			for b := CountryID(1); b < 8; b++ {
				x, _ := serial.EffectiveOpinion(a, b)
				y, _ := parallel.EffectiveOpinion(a, b)
				if x != y {
					t.Fatalf("tick %d: opinion %d->%d %s vs %s", tick, a, b, x, y)
				}
			}
		}
	}
}

func TestModifierCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.OpinionModifiers = 1
	s, _ := New(cfg)
	_ = s.AddCountry(1, CountryHot{}, CountryCold{})
	_ = s.AddCountry(2, CountryHot{}, CountryCold{})
	if err := s.LoadOpinionModifier(OpinionModifier{From: 1, To: 2, Value: fixed.One}); err != nil {
		t.Fatalf("first modifier: %v", err)
	}
	var ce *CapacityError
	if err := s.LoadOpinionModifier(OpinionModifier{From: 1, To: 2, Value: fixed.One}); !errors.As(err, &ce) {
		t.Fatalf("second modifier: got %v", err)
	}
	if err := s.FinishLoad(); err != nil {
		t.Fatalf("finish load: %v", err)
	}
	w := s.BeginExec()
	defer s.EndExec()
	if err := w.AddOpinionModifier(OpinionModifier{From: 2, To: 1, Value: fixed.One}); !errors.Is(err, ErrModifiersFull) {
		t.Fatalf("runtime overflow: got %v", err)
	}
}

func TestSaveSectionRoundTrip(t *testing.T) {
	s := newLoaded(t)
	w := s.BeginExec()
	_ = w.SetOwner(6, 1)
	_ = w.SetTreaty(1, 3, TreatyRoyalMarriage, true, 12)
	_ = w.AddOpinionModifier(OpinionModifier{From: 2, To: 3, Source: 4, Value: fixed.FromInt(-30), DecayPerTick: fixed.FromRatio(1, 4), CreatedTick: 12, LastDecayTick: 12})
	_ = w.SetCountry(2, CountryHot{Flags: CountryAtWar, Capital: 3, Manpower: 1200, Treasury: fixed.MustParse("12.5")})
	s.EndExec()
	s.cold[1].Metadata = map[string]string{"culture": "north", "religion": "sun"}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()

	r, _ := New(testConfig())
	if _, err := r.ReadFrom(bytes.NewReader(raw)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := r.FinishLoad(); err != nil {
		t.Fatalf("finish load: %v", err)
	}
	if !slices.Equal(s.Provinces(), r.Provinces()) || !slices.Equal(s.Countries(), r.Countries()) {
		t.Fatalf("entity arrays differ after reload")
	}
	if !slices.Equal(s.OpinionModifiers(), r.OpinionModifiers()) {
		t.Fatalf("opinion modifiers differ after reload")
	}
	if got := r.AppendCountryProvinces(nil, 1); !slices.Equal(got, []ProvinceID{1, 2, 6}) {
		t.Fatalf("owner index after reload: %v", got)
	}
	cold, _ := r.CountryCold(1)
	if cold.Metadata["religion"] != "sun" {
		t.Fatalf("metadata after reload: %v", cold.Metadata)
	}

	var again bytes.Buffer
	if _, err := r.WriteTo(&again); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !bytes.Equal(raw, again.Bytes()) {
		t.Fatalf("save section not stable across reload")
	}

	cfg := testConfig()
	cfg.Provinces = 32
	other, _ := New(cfg)
	if _, err := other.ReadFrom(bytes.NewReader(raw)); !errors.Is(err, ErrCapacityChange) {
		t.Fatalf("capacity mismatch: got %v", err)
	}
}

func TestConcurrentViewReaders(t *testing.T) {
	s := newLoaded(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := s.View()
			for j := 0; j < 200; j++ {
				if n := len(v.GetCountryProvinces(1)); n != 2 {
					t.Errorf("reader saw %d provinces", n)
					return
				}
			}
		}()
	}
	wg.Wait()
	w := s.BeginExec()
	_ = w.SetTerrain(1, 40)
	s.EndExec()
	if err := s.SwapFrame(); err != nil {
		t.Fatalf("swap: %v", err)
	}
	st, _ := s.View().GetProvinceState(1)
	if st.TerrainType != 40 {
		t.Fatalf("terrain after swap = %d", st.TerrainType)
	}
}
