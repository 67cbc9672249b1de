package stream

// Request is the caller's view of the window to convert.
// Nil bounds default to their natural extreme.
type Request struct {
	Start   int64
	Count   *int64
	ChanMin *int
	ChanMax *int
}

// Window is a validated, resolved selection of spectra and channels.
// Channels are selected as the half-open range [ChanMin, ChanMax).
type Window struct {
	Start   int64
	Count   int64
	ChanMin int
	ChanMax int
}

// NChans returns the number of selected channels.
func (w Window) NChans() int {
	return w.ChanMax - w.ChanMin
}

// End returns the index one past the last selected spectrum.
func (w Window) End() int64 {
	return w.Start + w.Count
}

// Resolve validates r against a source exposing nspectra spectra of nchans
// channels. It performs no I/O.
func (r Request) Resolve(nspectra int64, nchans int) (Window, error) {
	w := Window{Start: r.Start, ChanMax: nchans}
	if r.Start < 0 {
		return Window{}, &ConfigError{Field: "start", Value: r.Start, Reason: "must not be negative"}
	}
	if r.Start >= nspectra {
		return Window{}, &ConfigError{Field: "start", Value: r.Start, Reason: "must be below the spectra count"}
	}

	w.Count = nspectra - r.Start
	if r.Count != nil {
		if *r.Count <= 0 {
			return Window{}, &ConfigError{Field: "count", Value: *r.Count, Reason: "must be positive"}
		}
		if r.Start+*r.Count > nspectra {
			return Window{}, &ConfigError{Field: "count", Value: *r.Count, Reason: "runs past the last spectrum"}
		}
		w.Count = *r.Count
	}

	if r.ChanMin != nil {
		w.ChanMin = *r.ChanMin
	}
	if r.ChanMax != nil {
		w.ChanMax = *r.ChanMax
	}
	if w.ChanMin < 0 {
		return Window{}, &ConfigError{Field: "channel_min", Value: int64(w.ChanMin), Reason: "must not be negative"}
	}
	if w.ChanMax > nchans {
		return Window{}, &ConfigError{Field: "channel_max", Value: int64(w.ChanMax), Reason: "exceeds the channel count"}
	}
	if w.ChanMin >= w.ChanMax {
		return Window{}, &ConfigError{Field: "channel_min", Value: int64(w.ChanMin), Reason: "must be below channel_max"}
	}
	return w, nil
}
