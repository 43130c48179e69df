package processor

import (
	"bytes"
	"errors"
	"testing"

	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/fixed"
	"lockstep.gg/internal/sim/state"
)

// newEnv: countries 1..3, provinces 1..4 owned by country 1, treasury 10 each.
func newEnv(t *testing.T) *command.Env {
	t.Helper()
	st, err := state.New(state.Config{Provinces: 8, Countries: 4, OpinionModifiers: 8, OpinionMax: fixed.FromInt(100)})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for c := state.CountryID(1); c <= 3; c++ {
		if err := st.AddCountry(c, state.CountryHot{Treasury: fixed.FromInt(10)}, state.CountryCold{}); err != nil {
			t.Fatalf("add country: %v", err)
		}
	}
	for p := state.ProvinceID(1); p <= 4; p++ {
		if err := st.AddProvince(p, state.ProvinceState{OwnerID: 1, ControllerID: 1}); err != nil {
			t.Fatalf("add province: %v", err)
		}
	}
	if err := st.FinishLoad(); err != nil {
		t.Fatalf("finish load: %v", err)
	}
	return &command.Env{State: st}
}

func owner(tick uint32, player command.PlayerID, p state.ProvinceID, c state.CountryID) *command.ChangeOwner {
	return &command.ChangeOwner{Header: command.Header{Tick: tick, Player: player}, Province: p, NewOwner: c}
}

func mustSubmit(t *testing.T, p *Processor, c command.Command) {
	t.Helper()
	if res := p.Submit(c); !res.Accepted {
		t.Fatalf("submit %s: %v", command.Name(c.Type()), res.Err)
	}
}

func TestSubmitRejectsSynchronously(t *testing.T) {
	p := New(newEnv(t), Config{LeadWindow: 4})
	p.SetTick(10)

	cases := []struct {
		name string
		cmd  command.Command
		want command.Kind
	}{
		{"past tick", owner(9, 1, 1, 2), command.KindInvalidParameters},
		{"beyond lead", owner(15, 1, 1, 2), command.KindInvalidParameters},
		{"unknown province", owner(10, 1, 999, 2), command.KindInvalidEntity},
	}
	for _, tc := range cases {
		res := p.Submit(tc.cmd)
		if res.Accepted || command.KindOf(res.Err) != tc.want {
			t.Fatalf("%s: accepted=%v err=%v", tc.name, res.Accepted, res.Err)
		}
	}
	if p.Pending() != 0 {
		t.Fatalf("rejected commands were queued")
	}
	mustSubmit(t, p, owner(14, 1, 1, 2))
}

func TestProcessTickOrdering(t *testing.T) {
	env := newEnv(t)
	p := New(env, Config{})

	// arrival order deliberately differs from execution order
	mustSubmit(t, p, &command.AdjustTreasury{Header: command.Header{Tick: 0, Player: 1}, Country: 1, Delta: fixed.One})
	mustSubmit(t, p, owner(0, 2, 1, 3))
	mustSubmit(t, p, owner(0, 1, 1, 2))
	mustSubmit(t, p, &command.SetTerrain{Header: command.Header{Tick: 1, Player: 1}, Province: 2, Terrain: 5})

	res := p.ProcessTick()
	if res.Tick != 0 || res.Executed != 3 || res.Rejected != 0 {
		t.Fatalf("tick result = %+v", res)
	}
	exec := p.Executed()
	want := []struct {
		typ    command.TypeID
		player command.PlayerID
	}{
		{command.TypeChangeOwner, 1},
		{command.TypeChangeOwner, 2},
		{command.TypeAdjustTreasury, 1},
	}
	for i, w := range want {
		if exec[i].Type() != w.typ || exec[i].Meta().Player != w.player {
			t.Fatalf("executed[%d] = %s by %d", i, command.Name(exec[i].Type()), exec[i].Meta().Player)
		}
	}
	// player 2's transfer ran after player 1's
	if got := env.State.OwnerOf(1); got != 3 {
		t.Fatalf("province 1 owner = %d", got)
	}
	if p.Pending() != 1 || p.Tick() != 1 {
		t.Fatalf("pending=%d tick=%d", p.Pending(), p.Tick())
	}
}

func TestRejectedAtTickDoesNotAbortSiblings(t *testing.T) {
	env := newEnv(t)
	p := New(env, Config{})
	// both validate at submit; the second becomes a no-op transfer at tick time
	mustSubmit(t, p, owner(0, 1, 2, 2))
	mustSubmit(t, p, owner(0, 1, 2, 2))
	mustSubmit(t, p, owner(0, 1, 3, 3))

	res := p.ProcessTick()
	if res.Executed != 2 || res.Rejected != 1 {
		t.Fatalf("tick result = %+v", res)
	}
	rej := p.Rejected()
	if len(rej) != 1 || !errors.Is(rej[0].Err, command.ErrPreconditionFailed) {
		t.Fatalf("rejections = %+v", rej)
	}
	if env.State.OwnerOf(3) != 3 {
		t.Fatalf("sibling command did not run")
	}
}

func TestOrderIndependentOfInterleaving(t *testing.T) {
	run := func(order []int) uint32 {
		env := newEnv(t)
		p := New(env, Config{})
		cmds := []command.Command{
			owner(0, 2, 1, 3),
			owner(0, 1, 1, 2),
			&command.AdjustTreasury{Header: command.Header{Tick: 0, Player: 3}, Country: 2, Delta: fixed.FromInt(-4)},
			&command.AdjustTreasury{Header: command.Header{Tick: 0, Player: 2}, Country: 2, Delta: fixed.FromInt(-7)},
		}
		for _, i := range order {
			if res := p.Enqueue(cmds[i]); !res.Accepted {
				t.Fatalf("enqueue: %v", res.Err)
			}
		}
		return p.ProcessTick().Checksum
	}
	a := run([]int{0, 1, 2, 3})
	b := run([]int{3, 2, 1, 0})
	if a != b {
		t.Fatalf("execution depends on arrival across players: %08x vs %08x", a, b)
	}
}

func TestRateLimitAndQueueLimit(t *testing.T) {
	p := New(newEnv(t), Config{RateWindow: 10, RateMax: 2, QueueLimit: 3})
	mustSubmit(t, p, owner(0, 1, 1, 2))
	mustSubmit(t, p, owner(0, 1, 2, 2))
	if res := p.Submit(owner(0, 1, 3, 2)); !errors.Is(res.Err, ErrRateLimited) {
		t.Fatalf("third submission: %v", res.Err)
	}
	mustSubmit(t, p, owner(0, 2, 3, 3))
	if res := p.Submit(owner(0, 3, 4, 3)); !errors.Is(res.Err, ErrQueueFull) {
		t.Fatalf("queue overflow: %v", res.Err)
	}
}

func TestQueueSaveRestore(t *testing.T) {
	env := newEnv(t)
	p := New(env, Config{})
	mustSubmit(t, p, owner(2, 1, 1, 2))
	mustSubmit(t, p, &command.SetTerrain{Header: command.Header{Tick: 3, Player: 2}, Province: 4, Terrain: 1})
	p.ProcessTick()

	var buf bytes.Buffer
	if _, err := p.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	q := New(env, Config{})
	if _, err := q.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("read: %v", err)
	}
	if q.Tick() != 1 || q.Pending() != 2 {
		t.Fatalf("restored tick=%d pending=%d", q.Tick(), q.Pending())
	}
	got := q.PendingFor(3)
	if len(got) != 1 || got[0].Meta().Player != 2 {
		t.Fatalf("restored tick-3 commands = %+v", got)
	}
	// the restored queue keeps accepting after its saved sequence
	if res := q.Enqueue(owner(3, 1, 2, 3)); !res.Accepted || res.Seq != 3 {
		t.Fatalf("enqueue after restore: %+v", res)
	}
}

func TestWindowAllow(t *testing.T) {
	var w window
	for i := 0; i < 3; i++ {
		if ok, _ := w.allow(5, 10, 3); !ok {
			t.Fatalf("event %d refused", i)
		}
	}
	ok, cooldown := w.allow(9, 10, 3)
	if ok || cooldown != 1 {
		t.Fatalf("fourth event: ok=%v cooldown=%d", ok, cooldown)
	}
	if ok, _ := w.allow(15, 10, 3); !ok {
		t.Fatalf("window did not reset")
	}
}

func TestDropTick(t *testing.T) {
	p := New(newEnv(t), Config{LeadWindow: 8})
	mustSubmit(t, p, owner(1, 1, 1, 2))
	mustSubmit(t, p, owner(1, 2, 2, 2))
	mustSubmit(t, p, owner(2, 1, 3, 2))
	if n := p.Drop(1); n != 2 {
		t.Fatalf("dropped %d", n)
	}
	if p.Pending() != 1 || len(p.PendingFor(2)) != 1 {
		t.Fatalf("pending = %d", p.Pending())
	}
	if n := p.Drop(7); n != 0 {
		t.Fatalf("dropped %d from an empty tick", n)
	}
}
