package ws

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lockstep.gg/internal/persistence/snapshot"
	"lockstep.gg/internal/protocol"
	"lockstep.gg/internal/sim/command"
	"lockstep.gg/internal/sim/world"
)

type fakeSink struct {
	tick uint32
	save []byte

	mu      sync.Mutex
	batches []command.Batch
	reports []world.ChecksumReport
	imports [][]byte
}

func (s *fakeSink) Tick() uint32                { return s.tick }
func (s *fakeSink) Metrics() world.WorldMetrics { return world.WorldMetrics{Tick: s.tick} }

func (s *fakeSink) DeliverBatch(ctx context.Context, b command.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return nil
}

func (s *fakeSink) DeliverChecksum(ctx context.Context, r world.ChecksumReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *fakeSink) RequestImport(ctx context.Context, save []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imports = append(s.imports, save)
	return nil
}

func (s *fakeSink) RequestSave(ctx context.Context) (world.Save, error) {
	return world.Save{Header: snapshot.Header{Tick: s.tick}, Data: s.save}, nil
}

func (s *fakeSink) counts() (batches, reports, imports int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches), len(s.reports), len(s.imports)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startHost(t *testing.T, players ...command.PlayerID) (*Hub, *fakeSink, string) {
	t.Helper()
	save := make([]byte, 200_000)
	rand.New(rand.NewSource(1)).Read(save)
	sink := &fakeSink{tick: 7, save: save}
	h := NewHub(Config{SessionID: "s1", PeerID: "host", Player: 1, Name: "alice", Host: true, ScenarioDigest: 0xabc, Players: players})
	h.Bind(sink)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
	})
	return h, sink, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialGuest(t *testing.T, url string, cfg Config) (*Hub, *fakeSink, error) {
	t.Helper()
	sink := &fakeSink{}
	g := NewHub(cfg)
	g.Bind(sink)
	t.Cleanup(func() { g.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g, sink, g.Dial(ctx, url)
}

func TestGuestJoinsAndExchanges(t *testing.T) {
	host, hostSink, url := startHost(t, 2, 3)
	g, gs, err := dialGuest(t, url, Config{SessionID: "s1", Player: 2, ScenarioDigest: 0xabc})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if g.PeerID() == "" {
		t.Fatalf("guest has no peer id")
	}

	// the join save spans several frames and arrives whole
	waitFor(t, "join save", func() bool { _, _, n := gs.counts(); return n == 1 })
	if !bytes.Equal(gs.imports[0], hostSink.save) {
		t.Fatalf("join save differs")
	}
	waitFor(t, "lobby", func() bool { return len(g.Lobby().Players) == 2 })
	if l := g.Lobby(); l.Players[0].Player != 1 || l.Players[1].Player != 2 {
		t.Fatalf("lobby = %+v", l)
	}

	b := command.Batch{Player: 2, Tick: 9, Commands: []command.Command{&command.ChangeOwner{Province: 3, NewOwner: 2}}}
	if err := g.SendBatch(b); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	waitFor(t, "batch at host", func() bool { n, _, _ := hostSink.counts(); return n == 1 })
	if got := hostSink.batches[0]; got.Player != 2 || got.Tick != 9 || len(got.Commands) != 1 {
		t.Fatalf("host got %+v", got)
	}

	if err := host.SendChecksum(5, 99); err != nil {
		t.Fatalf("send checksum: %v", err)
	}
	waitFor(t, "checksum at guest", func() bool { _, n, _ := gs.counts(); return n == 1 })
	if r := gs.reports[0]; r.Peer != "host" || r.Tick != 5 || r.Sum != 99 {
		t.Fatalf("guest got %+v", r)
	}

	if err := host.SendResync(world.Save{Header: snapshot.Header{Tick: 8}, Data: []byte("state")}); err != nil {
		t.Fatalf("resync: %v", err)
	}
	waitFor(t, "resync at guest", func() bool { _, _, n := gs.counts(); return n == 2 })
	if string(gs.imports[1]) != "state" {
		t.Fatalf("resync = %q", gs.imports[1])
	}

	peers := host.Peers()
	if len(peers) != 1 || peers[0].Player != 2 || peers[0].ID != g.PeerID() {
		t.Fatalf("host peers = %+v", peers)
	}
	if st := host.Stats(); st.Peers != 1 || st.RecvTotal == 0 || st.SentTotal == 0 {
		t.Fatalf("host stats = %+v", st)
	}
}

func TestHandshakeRefusals(t *testing.T) {
	_, _, url := startHost(t, 2, 3)

	cases := []struct {
		name string
		cfg  Config
		code string
	}{
		{"session", Config{SessionID: "other", Player: 2}, protocol.ErrSessionMismatch},
		{"scenario", Config{SessionID: "s1", Player: 2, ScenarioDigest: 0xdef}, protocol.ErrScenarioMismatch},
		{"host player", Config{SessionID: "s1", Player: 1}, protocol.ErrPlayerTaken},
		{"unknown player", Config{SessionID: "s1", Player: 4}, protocol.ErrPlayerUnknown},
		{"host peer id", Config{SessionID: "s1", Player: 3, PeerID: "host"}, protocol.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := dialGuest(t, url, tc.cfg)
			if !errors.Is(err, ErrRefused) || !strings.Contains(err.Error(), tc.code) {
				t.Fatalf("dial: %v", err)
			}
		})
	}

	first, _, err := dialGuest(t, url, Config{SessionID: "s1", Player: 2})
	if err != nil {
		t.Fatalf("first player 2: %v", err)
	}
	_, _, err = dialGuest(t, url, Config{SessionID: "s1", Player: 2})
	if !errors.Is(err, ErrRefused) || !strings.Contains(err.Error(), protocol.ErrPlayerTaken) {
		t.Fatalf("second player 2: %v", err)
	}
	_, _, err = dialGuest(t, url, Config{SessionID: "s1", Player: 3, PeerID: first.PeerID()})
	if !errors.Is(err, ErrRefused) || !strings.Contains(err.Error(), protocol.ErrProtoBadRequest) {
		t.Fatalf("reused peer id: %v", err)
	}
}

func TestHostRelaysBetweenGuests(t *testing.T) {
	host, hostSink, url := startHost(t)
	g2, _, err := dialGuest(t, url, Config{SessionID: "s1", Player: 2})
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	_, s3, err := dialGuest(t, url, Config{SessionID: "s1", Player: 3})
	if err != nil {
		t.Fatalf("dial 3: %v", err)
	}
	waitFor(t, "both guests", func() bool { return len(host.Peers()) == 2 })

	if err := g2.SendBatch(command.Batch{Player: 2, Tick: 4}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "relayed batch", func() bool { n, _, _ := s3.counts(); return n == 1 })
	if b := s3.batches[0]; b.Player != 2 || b.Tick != 4 {
		t.Fatalf("guest 3 got %+v", b)
	}
	waitFor(t, "batch at host", func() bool { n, _, _ := hostSink.counts(); return n == 1 })

	// a guest may only speak for its own player
	if err := g2.SendBatch(command.Batch{Player: 3, Tick: 5}); err != nil {
		t.Fatalf("send forged: %v", err)
	}
	waitFor(t, "forged batch rejected", func() bool { return host.Stats().BadTotal == 1 })
	if n, _, _ := hostSink.counts(); n != 1 {
		t.Fatalf("forged batch delivered")
	}
}

func TestGuestDoesNotServe(t *testing.T) {
	g := NewHub(Config{SessionID: "s1", Player: 2})
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()
	_, _, err := dialGuest(t, "ws"+strings.TrimPrefix(srv.URL, "http"), Config{SessionID: "s1", Player: 3})
	if err == nil {
		t.Fatalf("dial to a guest succeeded")
	}
	if err := g.Dial(context.Background(), "ws://127.0.0.1:1"); err == nil {
		t.Fatalf("dial to nothing succeeded")
	}
}

// stalledSink never takes a batch until the caller gives up.
type stalledSink struct {
	fakeSink
	entered chan struct{}
}

func (s *stalledSink) DeliverBatch(ctx context.Context, b command.Batch) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestCloseWhileSinkStalls(t *testing.T) {
	sink := &stalledSink{fakeSink: fakeSink{tick: 1, save: []byte("x")}, entered: make(chan struct{}, 1)}
	h := NewHub(Config{SessionID: "s1", PeerID: "host", Player: 1, Host: true})
	h.Bind(sink)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	g, _, err := dialGuest(t, "ws"+strings.TrimPrefix(srv.URL, "http"), Config{SessionID: "s1", Player: 2})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := g.SendBatch(command.Batch{Player: 2, Tick: 3}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("batch never reached the sink")
	}

	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close hung on a stalled sink")
	}
}
