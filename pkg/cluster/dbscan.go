package cluster

import "math"

// dbscan labels each vector with a cluster number (1..n), or -1 for
// noise. eps is the maximum cosine distance between neighbors; minPts is
// the neighborhood size that makes a point a core point. Vectors must be
// L2-normalized.
func dbscan(vectors [][]float32, eps float32, minPts int) []int {
	const (
		undefined = 0
		noise     = -1
	)
	labels := make([]int, len(vectors))
	next := 0

	for i := range vectors {
		if labels[i] != undefined {
			continue
		}
		neighbors := neighborhood(vectors, i, eps)
		if len(neighbors) < minPts {
			labels[i] = noise
			continue
		}

		next++
		labels[i] = next

		queue := make([]int, 0, len(neighbors))
		for _, j := range neighbors {
			if j != i {
				queue = append(queue, j)
			}
		}
		for len(queue) > 0 {
			q := queue[0]
			queue = queue[1:]

			if labels[q] == noise {
				// Border point: reachable but not dense enough to
				// expand from.
				labels[q] = next
			}
			if labels[q] != undefined {
				continue
			}
			labels[q] = next

			reach := neighborhood(vectors, q, eps)
			if len(reach) >= minPts {
				queue = append(queue, reach...)
			}
		}
	}
	return labels
}

// neighborhood returns the indices within eps cosine distance of
// vectors[idx], including idx itself.
func neighborhood(vectors [][]float32, idx int, eps float32) []int {
	var out []int
	q := vectors[idx]
	for i, v := range vectors {
		if 1-cosineSim(q, v) <= eps {
			out = append(out, i)
		}
	}
	return out
}

// centroid computes the L2-normalized mean of the member vectors.
func centroid(vectors [][]float32, members []int) []float32 {
	if len(members) == 0 {
		return nil
	}
	out := make([]float32, len(vectors[members[0]]))
	for _, m := range members {
		for d, x := range vectors[m] {
			if d < len(out) {
				out[d] += x
			}
		}
	}
	inv := 1 / float32(len(members))
	for d := range out {
		out[d] *= inv
	}
	normalize(out)
	return out
}

func cosineSim(a, b []float32) float32 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// normalized returns an L2-normalized copy of v.
func normalized(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	normalize(out)
	return out
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	scale := float32(1 / norm)
	for i := range v {
		v[i] *= scale
	}
}
