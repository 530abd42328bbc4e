// Package cluster groups a user's episode embeddings into durable topic
// clusters.
//
// Each committed episode carries one cell embedding. [Registry.Assign]
// matches it against the user's existing topic centroids and stores the
// embedding as a sample; every ReclusterEvery observations the samples are
// re-clustered with DBSCAN, which is when topics form, merge and split.
// Assignment itself never creates a topic: growing clusters greedily in
// observation order makes the result depend on arrival order and drifts
// the centroids.
//
// Topic IDs are stable: after a re-cluster, new centroids inherit the ID
// of the old centroid they are most similar to, so a topic keeps its
// identity as it accretes episodes. State is persisted per (tenant, user)
// on the KV store and survives restarts.
//
// The profile updater consumes assignments: a user profile records the
// topics their episodes fall into, the latest assignment's confidence,
// and the cluster of the most recent episode.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/tenant"
)

const (
	defaultThreshold      = 0.5
	defaultMinSamples     = 2
	defaultReclusterEvery = 8
	defaultMaxSamples     = 256
	defaultPrefix         = "topic"

	lockStripes = 64
)

// Config controls clustering behavior.
type Config struct {
	// Threshold is the minimum cosine similarity for an embedding to
	// match a topic centroid, and the neighborhood radius of the DBSCAN
	// pass (eps = 1 - Threshold). Default 0.5.
	Threshold float32

	// MinSamples is the minimum number of neighboring episodes that form
	// a topic. Default 2.
	MinSamples int

	// ReclusterEvery re-runs DBSCAN on every Nth observation for a user.
	// Default 8. Zero keeps the default; negative disables re-clustering
	// (topics then only change through explicit Recluster calls).
	ReclusterEvery int

	// MaxSamples bounds the stored samples per user. When exceeded, the
	// oldest samples are dropped; established centroids keep their IDs.
	// Default 256.
	MaxSamples int

	// Prefix is prepended to generated topic IDs. Default "topic",
	// yielding IDs like "topic:003".
	Prefix string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Threshold == 0 {
		out.Threshold = defaultThreshold
	}
	if out.MinSamples <= 0 {
		out.MinSamples = defaultMinSamples
	}
	if out.ReclusterEvery == 0 {
		out.ReclusterEvery = defaultReclusterEvery
	}
	if out.MaxSamples <= 0 {
		out.MaxSamples = defaultMaxSamples
	}
	if out.Prefix == "" {
		out.Prefix = defaultPrefix
	}
	return out
}

// Topic is one cluster of similar episodes.
type Topic struct {
	// ID is the stable topic identifier, e.g. "topic:003".
	ID string `json:"id" msgpack:"id"`

	// Centroid is the L2-normalized mean of the member embeddings.
	Centroid []float32 `json:"-" msgpack:"c"`

	// Count is the number of samples in the cluster as of the last
	// re-cluster pass.
	Count int `json:"count" msgpack:"n"`
}

// Assignment is the outcome of observing one episode embedding.
type Assignment struct {
	// ClusterID is the matched topic, empty when nothing matched. Early
	// observations are typically unmatched: topics only exist after the
	// first re-cluster pass found a dense group.
	ClusterID string

	// Confidence is the cosine similarity to the matched centroid.
	Confidence float32

	// Matched reports whether a topic matched above the threshold.
	Matched bool

	// TopicIDs lists all of the user's topic IDs after this observation.
	TopicIDs []string

	// Observed is the user's total sample count after this observation.
	Observed int
}

// topicState is the persisted per-user clustering state.
type topicState struct {
	// NextSeq keys the next stored sample.
	NextSeq uint64 `msgpack:"seq"`

	// Observed counts samples ever observed, including dropped ones.
	Observed int `msgpack:"n"`

	// NextID numbers allocated topic IDs.
	NextID int `msgpack:"next_id"`

	Topics []Topic `msgpack:"topics"`
}

// Registry assigns episode embeddings to per-user topic clusters backed
// by the KV store. Safe for concurrent use; operations on the same
// (tenant, user) serialize on a striped mutex.
type Registry struct {
	kv  kv.Store
	cfg Config

	locks [lockStripes]sync.Mutex
}

// New creates a Registry on top of the given KV store.
func New(store kv.Store, cfg Config) *Registry {
	return &Registry{kv: store, cfg: cfg.withDefaults()}
}

// Assign observes one episode embedding for a user: the embedding is
// stored as a sample, matched against the user's topic centroids, and on
// every ReclusterEvery-th observation the topics are rebuilt from all
// stored samples before matching.
func (r *Registry) Assign(ctx context.Context, t tenant.Tenant, userID string, emb []float32) (Assignment, error) {
	if err := t.Validate(); err != nil {
		return Assignment{}, err
	}
	if userID == "" {
		return Assignment{}, errors.New("cluster: user id is required")
	}
	if len(emb) == 0 {
		return Assignment{}, errors.New("cluster: empty embedding")
	}

	mu := r.lock(t, userID)
	mu.Lock()
	defer mu.Unlock()

	st, err := r.loadState(ctx, t, userID)
	if err != nil {
		return Assignment{}, err
	}

	sample, err := msgpack.Marshal(emb)
	if err != nil {
		return Assignment{}, fmt.Errorf("cluster: marshal sample: %w", err)
	}
	entries := []kv.Entry{{Key: sampleKey(t, userID, st.NextSeq), Value: sample}}
	st.NextSeq++
	st.Observed++

	var stale []kv.Key
	if r.cfg.ReclusterEvery > 0 && st.Observed%r.cfg.ReclusterEvery == 0 {
		if stale, err = r.recluster(ctx, t, userID, &st, emb); err != nil {
			return Assignment{}, err
		}
	}

	asgn := Assignment{Observed: st.Observed, TopicIDs: topicIDs(st.Topics)}
	if id, conf, ok := nearest(st.Topics, emb, r.cfg.Threshold); ok {
		asgn.ClusterID = id
		asgn.Confidence = conf
		asgn.Matched = true
	}

	stateVal, err := msgpack.Marshal(&st)
	if err != nil {
		return Assignment{}, fmt.Errorf("cluster: marshal state: %w", err)
	}
	entries = append(entries, kv.Entry{Key: stateKey(t, userID), Value: stateVal})
	if err := r.kv.BatchSet(ctx, entries); err != nil {
		return Assignment{}, fmt.Errorf("cluster: persist assignment: %w", err)
	}
	if len(stale) > 0 {
		if err := r.kv.BatchDelete(ctx, stale); err != nil {
			return Assignment{}, fmt.Errorf("cluster: trim samples: %w", err)
		}
	}
	return asgn, nil
}

// Topics returns the user's current topic clusters.
func (r *Registry) Topics(ctx context.Context, t tenant.Tenant, userID string) ([]Topic, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	st, err := r.loadState(ctx, t, userID)
	if err != nil {
		return nil, err
	}
	return st.Topics, nil
}

// Recluster rebuilds a user's topics from the stored samples immediately,
// outside the every-Nth-observation schedule. Returns the topic count.
func (r *Registry) Recluster(ctx context.Context, t tenant.Tenant, userID string) (int, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	mu := r.lock(t, userID)
	mu.Lock()
	defer mu.Unlock()

	st, err := r.loadState(ctx, t, userID)
	if err != nil {
		return 0, err
	}
	stale, err := r.recluster(ctx, t, userID, &st, nil)
	if err != nil {
		return 0, err
	}
	stateVal, err := msgpack.Marshal(&st)
	if err != nil {
		return 0, fmt.Errorf("cluster: marshal state: %w", err)
	}
	if err := r.kv.Set(ctx, stateKey(t, userID), stateVal); err != nil {
		return 0, fmt.Errorf("cluster: persist state: %w", err)
	}
	if len(stale) > 0 {
		if err := r.kv.BatchDelete(ctx, stale); err != nil {
			return 0, fmt.Errorf("cluster: trim samples: %w", err)
		}
	}
	return len(st.Topics), nil
}

// recluster loads the stored samples (plus the not-yet-written pending
// one), runs DBSCAN, rebuilds st.Topics with IDs inherited from the most
// similar old centroid, and returns the keys of samples trimmed to honor
// MaxSamples. Caller holds the user's lock and persists st.
func (r *Registry) recluster(ctx context.Context, t tenant.Tenant, userID string, st *topicState, pending []float32) ([]kv.Key, error) {
	samples, keys, err := r.loadSamples(ctx, t, userID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		samples = append(samples, pending)
	}

	var stale []kv.Key
	if over := len(samples) - r.cfg.MaxSamples; over > 0 {
		samples = samples[over:]
		if over > len(keys) {
			over = len(keys)
		}
		stale = keys[:over]
	}
	if len(samples) == 0 {
		st.Topics = nil
		return stale, nil
	}

	normed := make([][]float32, len(samples))
	for i, s := range samples {
		normed[i] = normalized(s)
	}
	labels := dbscan(normed, 1-r.cfg.Threshold, r.cfg.MinSamples)

	clusters := make(map[int][]int)
	for i, l := range labels {
		if l > 0 {
			clusters[l] = append(clusters[l], i)
		}
	}
	rebuilt := make([]Topic, 0, len(clusters))
	for l := 1; l <= len(clusters); l++ {
		members := clusters[l]
		if len(members) == 0 {
			continue
		}
		rebuilt = append(rebuilt, Topic{Centroid: centroid(normed, members), Count: len(members)})
	}

	// Inherit IDs: each rebuilt topic takes the ID of the closest old
	// centroid above the threshold, each old ID at most once.
	taken := make(map[string]bool, len(st.Topics))
	for i := range rebuilt {
		best, bestSim := "", float32(-1)
		for _, old := range st.Topics {
			if taken[old.ID] {
				continue
			}
			if sim := cosineSim(rebuilt[i].Centroid, old.Centroid); sim > bestSim {
				best, bestSim = old.ID, sim
			}
		}
		if best != "" && bestSim >= r.cfg.Threshold {
			rebuilt[i].ID = best
			taken[best] = true
		} else {
			st.NextID++
			rebuilt[i].ID = fmt.Sprintf("%s:%03d", r.cfg.Prefix, st.NextID)
		}
	}
	st.Topics = rebuilt
	return stale, nil
}

func (r *Registry) loadState(ctx context.Context, t tenant.Tenant, userID string) (topicState, error) {
	data, err := r.kv.Get(ctx, stateKey(t, userID))
	if errors.Is(err, kv.ErrNotFound) {
		return topicState{}, nil
	}
	if err != nil {
		return topicState{}, fmt.Errorf("cluster: load state: %w", err)
	}
	var st topicState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return topicState{}, fmt.Errorf("cluster: unmarshal state: %w", err)
	}
	return st, nil
}

// loadSamples returns the stored samples and their keys in sequence
// order.
func (r *Registry) loadSamples(ctx context.Context, t tenant.Tenant, userID string) ([][]float32, []kv.Key, error) {
	var samples [][]float32
	var keys []kv.Key
	for entry, err := range r.kv.List(ctx, samplePrefix(t, userID)) {
		if err != nil {
			return nil, nil, fmt.Errorf("cluster: list samples: %w", err)
		}
		var emb []float32
		if err := msgpack.Unmarshal(entry.Value, &emb); err != nil {
			continue
		}
		samples = append(samples, emb)
		keys = append(keys, entry.Key)
	}
	return samples, keys, nil
}

// nearest returns the best-matching topic at or above the threshold.
func nearest(topics []Topic, emb []float32, threshold float32) (string, float32, bool) {
	best, bestSim := -1, float32(-1)
	for i := range topics {
		if sim := cosineSim(emb, topics[i].Centroid); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best >= 0 && bestSim >= threshold {
		return topics[best].ID, bestSim, true
	}
	return "", 0, false
}

func topicIDs(topics []Topic) []string {
	if len(topics) == 0 {
		return nil
	}
	ids := make([]string, len(topics))
	for i := range topics {
		ids[i] = topics[i].ID
	}
	return ids
}

func (r *Registry) lock(t tenant.Tenant, userID string) *sync.Mutex {
	h := fnv.New32a()
	io.WriteString(h, t.Org)
	io.WriteString(h, "\x00")
	io.WriteString(h, t.Space)
	io.WriteString(h, "\x00")
	io.WriteString(h, userID)
	return &r.locks[h.Sum32()%lockStripes]
}
