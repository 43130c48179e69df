package world

// WorldMetrics is a read-only view of the loop's counters, stored by the loop
// goroutine and safe to read from HTTP handlers.
type WorldMetrics struct {
	Tick    uint32 `json:"tick"`
	Loaded  bool   `json:"loaded"`
	Pending int    `json:"pending"`

	Executed      int    `json:"executed"`
	Rejected      int    `json:"rejected"`
	ExecutedTotal uint64 `json:"executed_total"`
	RejectedTotal uint64 `json:"rejected_total"`

	LastChecksum     uint32 `json:"last_checksum"`
	LastChecksumTick uint32 `json:"last_checksum_tick"`
	Desyncs          uint64 `json:"desyncs"`
	Resyncs          uint64 `json:"resyncs"`
	Resyncing        bool   `json:"resyncing"`
	GateStalls       uint64 `json:"gate_stalls"`
	DuplicateBatches uint64 `json:"duplicate_batches"`

	Provinces        int `json:"provinces"`
	Countries        int `json:"countries"`
	OpinionModifiers int `json:"opinion_modifiers"`
	ModifierSources  int `json:"modifier_sources"`

	StepMS float64 `json:"step_ms"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m, _ := w.metrics.Load().(WorldMetrics)
	return m
}

func (w *World) storeMetrics() {
	m := WorldMetrics{
		Tick:             w.tick.Load(),
		Loaded:           w.loaded,
		Pending:          w.proc.Pending(),
		Executed:         w.totals.last.Executed,
		Rejected:         w.totals.last.Rejected,
		ExecutedTotal:    w.totals.executed,
		RejectedTotal:    w.totals.rejected,
		Desyncs:          w.totals.desyncs,
		Resyncs:          w.totals.resyncs,
		Resyncing:        w.resync != nil,
		GateStalls:       w.totals.stalls,
		DuplicateBatches: w.totals.dupes,
		StepMS:           w.totals.stepMS,
	}
	if w.totals.last.Checked {
		m.LastChecksum, m.LastChecksumTick = w.totals.last.Checksum, w.totals.last.Tick
	}
	if w.loaded {
		m.Provinces = w.state.ProvinceCount()
		m.Countries = w.state.CountryCount()
		m.OpinionModifiers = len(w.state.OpinionModifiers())
		m.ModifierSources = w.mods.Stats().Sources
	}
	w.metrics.Store(m)
}
