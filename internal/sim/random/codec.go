package random

import (
	"io"

	"lockstep.gg/internal/sim/encoding"
)

// WriteTo saves the seed and the four state words.
func (r *Rand) WriteTo(w io.Writer) (int64, error) {
	e := encoding.NewWriter(w)
	e.Tag("RAND")
	e.U64(r.seed)
	for _, v := range r.s {
		e.U64(v)
	}
	return e.N(), e.Err()
}

func (r *Rand) ReadFrom(rd io.Reader) (int64, error) {
	d := encoding.NewReader(rd)
	d.Expect("RAND")
	var st State
	st.Seed = d.U64()
	for i := range st.S {
		st.S[i] = d.U64()
	}
	if d.Err() != nil {
		return d.N(), d.Err()
	}
	r.Restore(st)
	return d.N(), nil
}
