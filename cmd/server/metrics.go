package main

import (
	"fmt"
	"io"

	"lockstep.gg/internal/persistence/indexdb"
	"lockstep.gg/internal/sim/world"
	"lockstep.gg/internal/transport/ws"
)

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// writeWorldMetrics renders the loop counters in the Prometheus text format.
func writeWorldMetrics(w io.Writer, session string, m world.WorldMetrics) {
	fmt.Fprintf(w, "# HELP lockstep_world_tick Next tick to run.\n")
	fmt.Fprintf(w, "# TYPE lockstep_world_tick gauge\n")
	fmt.Fprintf(w, "lockstep_world_tick{session=%q} %d\n", session, m.Tick)

	fmt.Fprintf(w, "# HELP lockstep_world_loaded Whether state is loaded.\n")
	fmt.Fprintf(w, "# TYPE lockstep_world_loaded gauge\n")
	fmt.Fprintf(w, "lockstep_world_loaded{session=%q} %d\n", session, boolGauge(m.Loaded))

	fmt.Fprintf(w, "# HELP lockstep_world_pending_commands Commands queued for future ticks.\n")
	fmt.Fprintf(w, "# TYPE lockstep_world_pending_commands gauge\n")
	fmt.Fprintf(w, "lockstep_world_pending_commands{session=%q} %d\n", session, m.Pending)

	fmt.Fprintf(w, "# HELP lockstep_commands_total Commands run, by outcome.\n")
	fmt.Fprintf(w, "# TYPE lockstep_commands_total counter\n")
	fmt.Fprintf(w, "lockstep_commands_total{session=%q,outcome=%q} %d\n", session, "executed", m.ExecutedTotal)
	fmt.Fprintf(w, "lockstep_commands_total{session=%q,outcome=%q} %d\n", session, "rejected", m.RejectedTotal)

	fmt.Fprintf(w, "# HELP lockstep_checksum Last state checksum and the tick it was taken at.\n")
	fmt.Fprintf(w, "# TYPE lockstep_checksum gauge\n")
	fmt.Fprintf(w, "lockstep_checksum{session=%q,tick=\"%d\"} %d\n", session, m.LastChecksumTick, m.LastChecksum)

	fmt.Fprintf(w, "# HELP lockstep_sync_events_total Desyncs, resyncs, gate stalls and duplicate batches.\n")
	fmt.Fprintf(w, "# TYPE lockstep_sync_events_total counter\n")
	fmt.Fprintf(w, "lockstep_sync_events_total{session=%q,event=%q} %d\n", session, "desync", m.Desyncs)
	fmt.Fprintf(w, "lockstep_sync_events_total{session=%q,event=%q} %d\n", session, "resync", m.Resyncs)
	fmt.Fprintf(w, "lockstep_sync_events_total{session=%q,event=%q} %d\n", session, "gate_stall", m.GateStalls)
	fmt.Fprintf(w, "lockstep_sync_events_total{session=%q,event=%q} %d\n", session, "duplicate_batch", m.DuplicateBatches)

	fmt.Fprintf(w, "# HELP lockstep_world_resyncing Whether the node waits for the host's state.\n")
	fmt.Fprintf(w, "# TYPE lockstep_world_resyncing gauge\n")
	fmt.Fprintf(w, "lockstep_world_resyncing{session=%q} %d\n", session, boolGauge(m.Resyncing))

	fmt.Fprintf(w, "# HELP lockstep_world_entities Live entity counts.\n")
	fmt.Fprintf(w, "# TYPE lockstep_world_entities gauge\n")
	fmt.Fprintf(w, "lockstep_world_entities{session=%q,kind=%q} %d\n", session, "province", m.Provinces)
	fmt.Fprintf(w, "lockstep_world_entities{session=%q,kind=%q} %d\n", session, "country", m.Countries)
	fmt.Fprintf(w, "lockstep_world_entities{session=%q,kind=%q} %d\n", session, "opinion_modifier", m.OpinionModifiers)
	fmt.Fprintf(w, "lockstep_world_entities{session=%q,kind=%q} %d\n", session, "modifier_source", m.ModifierSources)

	fmt.Fprintf(w, "# HELP lockstep_world_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(w, "# TYPE lockstep_world_step_ms gauge\n")
	fmt.Fprintf(w, "lockstep_world_step_ms{session=%q} %.3f\n", session, m.StepMS)
}

func writeHubMetrics(w io.Writer, session string, s ws.Stats) {
	fmt.Fprintf(w, "# HELP lockstep_peers Connected peers.\n")
	fmt.Fprintf(w, "# TYPE lockstep_peers gauge\n")
	fmt.Fprintf(w, "lockstep_peers{session=%q} %d\n", session, s.Peers)

	fmt.Fprintf(w, "# HELP lockstep_frames_total Websocket frames, by direction.\n")
	fmt.Fprintf(w, "# TYPE lockstep_frames_total counter\n")
	fmt.Fprintf(w, "lockstep_frames_total{session=%q,dir=%q} %d\n", session, "sent", s.SentTotal)
	fmt.Fprintf(w, "lockstep_frames_total{session=%q,dir=%q} %d\n", session, "recv", s.RecvTotal)
	fmt.Fprintf(w, "lockstep_frames_total{session=%q,dir=%q} %d\n", session, "bad", s.BadTotal)
	fmt.Fprintf(w, "lockstep_frames_total{session=%q,dir=%q} %d\n", session, "dropped", s.DropTotal)
}

func writeIndexMetrics(w io.Writer, session string, s indexdb.Stats) {
	fmt.Fprintf(w, "# HELP lockstep_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(w, "# TYPE lockstep_index_queue_depth gauge\n")
	fmt.Fprintf(w, "lockstep_index_queue_depth{session=%q} %d\n", session, s.QueueDepth)
	fmt.Fprintf(w, "lockstep_index_queue_capacity{session=%q} %d\n", session, s.QueueCapacity)

	fmt.Fprintf(w, "# HELP lockstep_index_dropped_total Index records dropped on a full queue.\n")
	fmt.Fprintf(w, "# TYPE lockstep_index_dropped_total counter\n")
	fmt.Fprintf(w, "lockstep_index_dropped_total{session=%q,kind=%q} %d\n", session, "tick", s.DropTickTotal)
	fmt.Fprintf(w, "lockstep_index_dropped_total{session=%q,kind=%q} %d\n", session, "desync", s.DropDesyncTotal)
	fmt.Fprintf(w, "lockstep_index_dropped_total{session=%q,kind=%q} %d\n", session, "save", s.DropSaveTotal)
}
