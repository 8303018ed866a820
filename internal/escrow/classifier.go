package escrow

import "strings"

// CoverageFunc reports whether a bottled record's signing and view coverage is
// complete relative to the current trust circle requirements. Implementations
// must be deterministic for identical metadata.
type CoverageFunc func(Metadata) bool

// ReportedCoverage trusts the coverage flag supplied by the trust service.
func ReportedCoverage(md Metadata) bool {
	return strings.EqualFold(strings.TrimSpace(md.Viability), ViabilityFull)
}

// Classifier routes raw records into viability tiers.
type Classifier struct {
	covered CoverageFunc
}

// NewClassifier returns a classifier using covered to split bottled records.
// A nil predicate falls back to ReportedCoverage.
func NewClassifier(covered CoverageFunc) Classifier {
	if covered == nil {
		covered = ReportedCoverage
	}
	return Classifier{covered: covered}
}

// Classify assigns the record's tier. It performs no I/O.
func (c Classifier) Classify(raw RawRecord) Record {
	covered := c.covered
	if covered == nil {
		covered = ReportedCoverage
	}
	rec := Record{
		BottleID: strings.TrimSpace(raw.BottleID),
		Metadata: raw.Metadata.clone(),
	}
	if raw.Payload != nil {
		rec.Payload = append([]byte(nil), raw.Payload...)
	}
	switch {
	case !raw.HasBottle():
		rec.Tier = TierLegacy
	case covered(raw.Metadata):
		rec.Tier = TierFullyViable
	default:
		rec.Tier = TierPartiallyViable
	}
	return rec
}

// ClassifyAll classifies every raw record and partitions the results.
func (c Classifier) ClassifyAll(raws []RawRecord) Tiers {
	records := make([]Record, 0, len(raws))
	for _, raw := range raws {
		records = append(records, c.Classify(raw))
	}
	return Partition(records)
}

// Tiers holds the three disjoint record sets produced by one fetch.
type Tiers struct {
	Legacy          []Record `json:"legacy"`
	PartiallyViable []Record `json:"partiallyViable"`
	FullyViable     []Record `json:"fullyViable"`
}

// Partition splits records by tier, preserving their relative order.
func Partition(records []Record) Tiers {
	tiers := Tiers{
		Legacy:          []Record{},
		PartiallyViable: []Record{},
		FullyViable:     []Record{},
	}
	for _, rec := range records {
		switch rec.Tier {
		case TierFullyViable:
			tiers.FullyViable = append(tiers.FullyViable, rec)
		case TierPartiallyViable:
			tiers.PartiallyViable = append(tiers.PartiallyViable, rec)
		default:
			tiers.Legacy = append(tiers.Legacy, rec)
		}
	}
	return tiers
}

// Len returns the total number of records across all tiers.
func (t Tiers) Len() int {
	return len(t.Legacy) + len(t.PartiallyViable) + len(t.FullyViable)
}

// Empty reports whether all tiers are empty.
func (t Tiers) Empty() bool { return t.Len() == 0 }

// Records returns the union of the tiers: fully viable first, then partially
// viable, then legacy. The returned records are copies.
func (t Tiers) Records() []Record {
	out := make([]Record, 0, t.Len())
	for _, set := range [][]Record{t.FullyViable, t.PartiallyViable, t.Legacy} {
		for _, rec := range set {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Counts reports the number of records per tier keyed by tier name.
func (t Tiers) Counts() map[string]int {
	return map[string]int{
		TierLegacy.String():          len(t.Legacy),
		TierPartiallyViable.String(): len(t.PartiallyViable),
		TierFullyViable.String():     len(t.FullyViable),
	}
}

// Clone returns a deep copy with non-nil slices.
func (t Tiers) Clone() Tiers {
	return Tiers{
		Legacy:          cloneRecords(t.Legacy),
		PartiallyViable: cloneRecords(t.PartiallyViable),
		FullyViable:     cloneRecords(t.FullyViable),
	}
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, 0, len(in))
	for _, rec := range in {
		out = append(out, rec.Clone())
	}
	return out
}
