package detector

// Set bundles the concrete detectors so callers can reach their query helpers
// as well as run them uniformly.
type Set struct {
	Funding      *Funding
	Liquidation  *Liquidation
	OpenInterest *OpenInterest
	Volume       *Volume
	Divergence   *Divergence
}

// All returns the configured detectors in a stable order, skipping nil entries.
func (s Set) All() []Detector {
	out := make([]Detector, 0, 5)
	if s.Funding != nil {
		out = append(out, s.Funding)
	}
	if s.Liquidation != nil {
		out = append(out, s.Liquidation)
	}
	if s.OpenInterest != nil {
		out = append(out, s.OpenInterest)
	}
	if s.Volume != nil {
		out = append(out, s.Volume)
	}
	if s.Divergence != nil {
		out = append(out, s.Divergence)
	}
	return out
}

// ByKind returns the configured detector producing kind.
func (s Set) ByKind(kind Kind) (Detector, bool) {
	for _, d := range s.All() {
		if d.Kind() == kind {
			return d, true
		}
	}
	return nil, false
}
