package record

import "sort"

// Dedupe collapses duplicate tracking numbers using last-occurrence-wins.
//
// "Last" is decided by Ordinal, not slice position, so callers may pass
// records in any order. The result is sorted by the winning Ordinal.
// dropped is the number of records discarded.
func Dedupe(recs []Record) (out []Record, dropped int) {
	winners := make(map[string]Record, len(recs))
	for _, r := range recs {
		cur, ok := winners[r.TrackingNum]
		if !ok || r.Ordinal >= cur.Ordinal {
			winners[r.TrackingNum] = r
		}
	}

	out = make([]Record, 0, len(winners))
	for _, r := range winners {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ordinal != out[j].Ordinal {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].TrackingNum < out[j].TrackingNum
	})
	return out, len(recs) - len(out)
}
