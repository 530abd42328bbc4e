package recall

import (
	"fmt"

	"github.com/evermem/evermem/pkg/memstore"
)

// Method selects how candidates are retrieved and scored.
type Method string

const (
	// MethodKeyword ranks by BM25 over the keyword index only.
	MethodKeyword Method = "keyword"
	// MethodVector ranks by cosine similarity over the vector index only.
	MethodVector Method = "vector"
	// MethodHybrid blends both legs with a weighted sum after per-leg
	// min-max normalization. This is the default.
	MethodHybrid Method = "hybrid"
	// MethodRRF blends both legs by reciprocal rank instead of raw score,
	// which needs no normalization across heterogeneous score ranges.
	MethodRRF Method = "rrf"
)

// Valid reports whether m names a known retrieval method.
func (m Method) Valid() bool {
	switch m {
	case MethodKeyword, MethodVector, MethodHybrid, MethodRRF:
		return true
	}
	return false
}

// usesKeyword reports whether the method runs the BM25 leg.
func (m Method) usesKeyword() bool { return m != MethodVector }

// usesVector reports whether the method runs the semantic leg.
func (m Method) usesVector() bool { return m != MethodKeyword }

// Query describes one retrieval request.
//
// The scope fields follow the memstore three-valued contract: nil matches
// everything, a pointer to "" matches records with an empty field, and
// [memstore.ScopeAll] explicitly widens one axis. Widening both axes at
// once is rejected with [memstore.ErrScopeTooBroad].
type Query struct {
	// Text is the natural-language query. Required.
	Text string

	UserID  *string
	GroupID *string

	// Types limits the searched memory types. Empty means all types.
	Types []memstore.MemoryType

	// Method defaults to [MethodHybrid].
	Method Method

	// TopK caps the hits returned per memory type. Default 10.
	TopK int

	// From and To bound record timestamps in Unix nanoseconds, inclusive.
	// Zero leaves the corresponding side unbounded.
	From int64
	To   int64
}

// Memory is one hydrated search hit. Exactly one record pointer is set,
// matching Type.
type Memory struct {
	Type      memstore.MemoryType   `json:"memory_type"`
	MemCell   *memstore.MemCell     `json:"memcell,omitempty"`
	EventLog  *memstore.EventLog    `json:"event_log,omitempty"`
	Foresight *memstore.Foresight   `json:"foresight,omitempty"`
	Profile   *memstore.UserProfile `json:"profile,omitempty"`
}

// ID returns the record's index document ID.
func (m *Memory) ID() string {
	switch {
	case m.MemCell != nil:
		return m.MemCell.EventID
	case m.EventLog != nil:
		return m.EventLog.ID
	case m.Foresight != nil:
		return m.Foresight.ID
	case m.Profile != nil:
		return m.Profile.DocID()
	}
	return ""
}

// GroupID returns the record's conversation scope, or "" for personal
// records.
func (m *Memory) GroupID() string {
	switch {
	case m.MemCell != nil:
		return m.MemCell.GroupID
	case m.EventLog != nil:
		return m.EventLog.GroupID
	case m.Foresight != nil:
		return m.Foresight.GroupID
	case m.Profile != nil:
		return m.Profile.GroupID
	}
	return ""
}

// eventID returns the record's episode lineage for scope filtering, or
// "" for records without one.
func (m *Memory) eventID() string {
	switch {
	case m.MemCell != nil:
		return m.MemCell.EventID
	case m.EventLog != nil:
		return m.EventLog.EventID
	case m.Foresight != nil:
		return m.Foresight.EventID
	}
	return ""
}

// userID returns the record's user scope.
func (m *Memory) userID() string {
	switch {
	case m.MemCell != nil:
		return m.MemCell.UserID
	case m.EventLog != nil:
		return m.EventLog.UserID
	case m.Foresight != nil:
		return m.Foresight.UserID
	case m.Profile != nil:
		return m.Profile.UserID
	}
	return ""
}

// Timestamp returns the record's event time in Unix nanoseconds.
func (m *Memory) Timestamp() int64 {
	switch {
	case m.MemCell != nil:
		return m.MemCell.Timestamp
	case m.EventLog != nil:
		return m.EventLog.Timestamp
	case m.Foresight != nil:
		return m.Foresight.Timestamp
	case m.Profile != nil:
		return m.Profile.Timestamp
	}
	return 0
}

// content returns the text a reranker scores against the query.
func (m *Memory) content() string {
	switch {
	case m.MemCell != nil:
		return m.MemCell.SearchContent()
	case m.EventLog != nil:
		return m.EventLog.SearchContent()
	case m.Foresight != nil:
		return m.Foresight.SearchContent()
	case m.Profile != nil:
		return m.Profile.SearchContent()
	}
	return ""
}

// PersonalGroup is the bucket key for records that carry no group scope.
const PersonalGroup = "personal"

// GroupBucket holds the hits of one conversation, in rank order.
type GroupBucket struct {
	GroupID  string    `json:"group_id"`
	Memories []*Memory `json:"memories"`
}

// ScoreBucket mirrors a [GroupBucket] with the fused score of each hit at
// the same position.
type ScoreBucket struct {
	GroupID string    `json:"group_id"`
	Scores  []float64 `json:"scores"`
}

// Section is the result for one memory type. Groups and Scores are
// parallel: Scores[i].Scores[j] belongs to Groups[i].Memories[j]. Buckets
// appear in first-hit rank order.
type Section struct {
	Type   memstore.MemoryType `json:"memory_type"`
	Groups []GroupBucket       `json:"memories"`
	Scores []ScoreBucket       `json:"scores"`

	// Total counts the hits that survived hydration and scope filtering,
	// before the TopK cut.
	Total int `json:"total_count"`
}

// returned counts the hits actually present in the section.
func (s *Section) returned() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Memories)
	}
	return n
}

// Meta annotates a result with quality information.
type Meta struct {
	// Degraded reports that some component of the response is missing or
	// approximate, typically because one retrieval leg or the reranker
	// failed. Warnings explains what happened.
	Degraded bool     `json:"degraded,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Result is the answer to one [Query].
type Result struct {
	Sections []Section `json:"results"`

	// Total sums the per-section totals; HasMore reports whether any
	// section was cut at TopK.
	Total   int  `json:"total_count"`
	HasMore bool `json:"has_more"`

	// Pending lists buffered conversation messages that have not been
	// extracted yet. Informational only; populated when the query names
	// one concrete group.
	Pending []memstore.Message `json:"pending_messages,omitempty"`

	Meta Meta `json:"metadata"`
}

// Section returns the section for the given type, or nil.
func (r *Result) Section(mt memstore.MemoryType) *Section {
	for i := range r.Sections {
		if r.Sections[i].Type == mt {
			return &r.Sections[i]
		}
	}
	return nil
}

// rankedMemory pairs a hydrated record with its fused score during
// sorting.
type rankedMemory struct {
	mem   *Memory
	score float64
}

// bucketize splits ranked hits into per-group buckets, preserving rank
// order within and across buckets.
func bucketize(ranked []rankedMemory) ([]GroupBucket, []ScoreBucket) {
	if len(ranked) == 0 {
		return nil, nil
	}
	index := make(map[string]int)
	groups := make([]GroupBucket, 0, 4)
	scores := make([]ScoreBucket, 0, 4)
	for _, r := range ranked {
		gid := r.mem.GroupID()
		if gid == "" {
			gid = PersonalGroup
		}
		i, ok := index[gid]
		if !ok {
			i = len(groups)
			index[gid] = i
			groups = append(groups, GroupBucket{GroupID: gid})
			scores = append(scores, ScoreBucket{GroupID: gid})
		}
		groups[i].Memories = append(groups[i].Memories, r.mem)
		scores[i].Scores = append(scores[i].Scores, r.score)
	}
	return groups, scores
}

// normalizeTypes validates the requested types and defaults to all.
func normalizeTypes(types []memstore.MemoryType) ([]memstore.MemoryType, error) {
	if len(types) == 0 {
		return memstore.Types, nil
	}
	seen := make(map[memstore.MemoryType]struct{}, len(types))
	out := make([]memstore.MemoryType, 0, len(types))
	for _, mt := range types {
		if !mt.Valid() {
			return nil, fmt.Errorf("recall: unknown memory type %q", mt)
		}
		if _, dup := seen[mt]; dup {
			continue
		}
		seen[mt] = struct{}{}
		out = append(out, mt)
	}
	return out, nil
}
