package recall

import (
	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/vecstore"
)

// scored is one fusion candidate. Lists of scored are kept best-first.
type scored struct {
	id    string
	score float64
}

// keywordScored converts BM25 hits to fusion candidates. Hits arrive
// best-first and stay that way.
func keywordScored(hits []keyword.Hit) []scored {
	if len(hits) == 0 {
		return nil
	}
	out := make([]scored, len(hits))
	for i, h := range hits {
		out[i] = scored{id: h.ID, score: h.Score}
	}
	return out
}

// vectorScored converts ANN matches to similarity candidates. Cosine
// distance in [0,2] maps to similarity = 1 - distance/2, so 1 is an exact
// directional match and 0 an opposite one.
func vectorScored(matches []vecstore.Match) []scored {
	if len(matches) == 0 {
		return nil
	}
	out := make([]scored, len(matches))
	for i, m := range matches {
		sim := 1.0 - float64(m.Distance)/2.0
		if sim < 0 {
			sim = 0
		}
		out[i] = scored{id: m.ID, score: sim}
	}
	return out
}

// minmax rescales a leg's scores to [0,1]. A degenerate leg (all scores
// equal) maps every score to 1 so a single strong hit is not zeroed out.
func minmax(list []scored) map[string]float64 {
	if len(list) == 0 {
		return nil
	}
	lo, hi := list[0].score, list[0].score
	for _, s := range list[1:] {
		if s.score < lo {
			lo = s.score
		}
		if s.score > hi {
			hi = s.score
		}
	}
	norm := make(map[string]float64, len(list))
	span := hi - lo
	for _, s := range list {
		if span == 0 {
			norm[s.id] = 1
		} else {
			norm[s.id] = (s.score - lo) / span
		}
	}
	return norm
}

// fuseWeighted blends two legs with a weighted sum of min-max normalized
// scores. Candidates missing from a leg contribute zero for it.
func fuseWeighted(vec, kw []scored, vecWeight, kwWeight float64) []scored {
	vecNorm := minmax(vec)
	kwNorm := minmax(kw)

	fused := make(map[string]float64, len(vecNorm)+len(kwNorm))
	for id, s := range vecNorm {
		fused[id] += vecWeight * s
	}
	for id, s := range kwNorm {
		fused[id] += kwWeight * s
	}
	return collect(fused)
}

// fuseRRF blends legs by reciprocal rank: each candidate scores the sum of
// 1/(k+rank) over the legs that returned it, rank counting from 1 in each
// leg's best-first order. Raw scores never mix, so the legs' score ranges
// need no normalization.
func fuseRRF(k int, legs ...[]scored) []scored {
	fused := make(map[string]float64)
	for _, leg := range legs {
		for rank, s := range leg {
			fused[s.id] += 1.0 / float64(k+rank+1)
		}
	}
	return collect(fused)
}

// collect flattens a fused score map. Order is unspecified; the caller
// sorts after hydration when timestamps are known.
func collect(fused map[string]float64) []scored {
	if len(fused) == 0 {
		return nil
	}
	out := make([]scored, 0, len(fused))
	for id, s := range fused {
		out = append(out, scored{id: id, score: s})
	}
	return out
}
