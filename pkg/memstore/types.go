package memstore

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/evermem/evermem/pkg/jsontime"
)

// ---------------------------------------------------------------------------
// Message: conversation message
// ---------------------------------------------------------------------------

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn. Messages accumulate in the buffer
// until an episode boundary closes them into a MemCell, which keeps the
// originals verbatim.
type Message struct {
	ID         string `json:"message_id,omitempty" msgpack:"id,omitempty"`
	SenderID   string `json:"sender_id,omitempty" msgpack:"sid,omitempty"`
	SenderName string `json:"sender_name,omitempty" msgpack:"name,omitempty"`
	Role       Role   `json:"role" msgpack:"role"`
	Content    string `json:"content,omitempty" msgpack:"content,omitempty"`

	// CreateTime is when the message was said, in Unix seconds on the
	// wire. Boundary detection compares these against the conversation's
	// local timezone.
	CreateTime jsontime.Unix `json:"create_time" msgpack:"ts"`
}

// ---------------------------------------------------------------------------
// Memory types and families
// ---------------------------------------------------------------------------

// MemoryType selects a record family in fetch and search requests.
type MemoryType string

const (
	TypeEpisodic  MemoryType = "episodic_memory"
	TypeEventLog  MemoryType = "event_log"
	TypeForesight MemoryType = "foresight"
	TypeProfile   MemoryType = "profile"
)

// Types lists every queryable record family, in the order search results
// are reported.
var Types = []MemoryType{TypeEpisodic, TypeEventLog, TypeForesight, TypeProfile}

// Valid reports whether mt names a known record family.
func (mt MemoryType) Valid() bool {
	switch mt {
	case TypeEpisodic, TypeEventLog, TypeForesight, TypeProfile:
		return true
	}
	return false
}

// Family returns the short identifier used in KV keys, index names and
// vector collection names for this memory type.
func (mt MemoryType) Family() string {
	switch mt {
	case TypeEpisodic:
		return famMemCell
	case TypeEventLog:
		return famEventLog
	case TypeForesight:
		return famForesight
	case TypeProfile:
		return famProfile
	}
	return string(mt)
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// Deletion carries the soft-delete audit fields shared by record kinds.
// A zero DeletedAt means the record is live.
type Deletion struct {
	// DeletedAt is the Unix nanosecond timestamp of the soft delete.
	DeletedAt int64  `json:"deleted_at,omitempty" msgpack:"del_ts,omitempty"`
	DeletedBy string `json:"deleted_by,omitempty" msgpack:"del_by,omitempty"`

	// DeletedID is the tenant-wide deletion stamp, increasing with every
	// delete operation. Once stamped it is never rewritten.
	DeletedID uint64 `json:"deleted_id,omitempty" msgpack:"del_id,omitempty"`
}

// Deleted reports whether the record has been soft-deleted.
func (d *Deletion) Deleted() bool {
	return d.DeletedAt != 0
}

// markDeleted stamps the audit fields and reports whether the record was
// live. Already-deleted records keep their original stamp.
func (d *Deletion) markDeleted(ts int64, by string, id uint64) bool {
	if d.DeletedAt != 0 {
		return false
	}
	d.DeletedAt = ts
	d.DeletedBy = by
	d.DeletedID = id
	return true
}

// MemCell is one extracted episodic memory: the summarized form of a closed
// conversation window plus the original messages it was built from.
type MemCell struct {
	EventID      string    `json:"event_id" msgpack:"id"`
	UserID       string    `json:"user_id,omitempty" msgpack:"uid,omitempty"`
	GroupID      string    `json:"group_id,omitempty" msgpack:"gid,omitempty"`
	Subject      string    `json:"subject,omitempty" msgpack:"subj,omitempty"`
	Summary      string    `json:"summary,omitempty" msgpack:"sum,omitempty"`
	Episode      string    `json:"episode,omitempty" msgpack:"ep,omitempty"`
	Participants []string  `json:"participants,omitempty" msgpack:"parts,omitempty"`
	Keywords     []string  `json:"keywords,omitempty" msgpack:"kw,omitempty"`
	Facts        []string  `json:"facts,omitempty" msgpack:"facts,omitempty"`
	Messages     []Message `json:"original_messages,omitempty" msgpack:"msgs,omitempty"`
	Embedding    []float32 `json:"-" msgpack:"emb,omitempty"`

	// Timestamp is the Unix nanosecond timestamp of the episode close.
	Timestamp int64 `json:"ts" msgpack:"ts"`

	Deletion
}

// SearchContent returns the text the cell is indexed and embedded under:
// the joined atomic facts when any were extracted, otherwise the summary
// fields weighted by repetition.
func (c *MemCell) SearchContent() string {
	if len(c.Facts) > 0 {
		return strings.Join(c.Facts, "\n")
	}
	return strings.Join([]string{c.Subject, c.Subject, c.Subject, c.Summary, c.Summary, c.Episode}, "\n")
}

// EventLog is one atomic fact extracted from an episode. The parent
// EventID links it back to its MemCell.
type EventLog struct {
	ID        string    `json:"id" msgpack:"id"`
	EventID   string    `json:"event_id,omitempty" msgpack:"eid,omitempty"`
	UserID    string    `json:"user_id,omitempty" msgpack:"uid,omitempty"`
	GroupID   string    `json:"group_id,omitempty" msgpack:"gid,omitempty"`
	Content   string    `json:"atomic_fact" msgpack:"fact"`
	Embedding []float32 `json:"-" msgpack:"emb,omitempty"`
	Timestamp int64     `json:"ts" msgpack:"ts"`

	Deletion
}

// SearchContent returns the text the log is indexed under.
func (l *EventLog) SearchContent() string { return l.Content }

// Foresight is a forward-looking inference derived from an episode, valid
// over a calendar date range.
type Foresight struct {
	ID      string `json:"id" msgpack:"id"`
	EventID string `json:"event_id,omitempty" msgpack:"eid,omitempty"`
	UserID  string `json:"user_id,omitempty" msgpack:"uid,omitempty"`
	GroupID string `json:"group_id,omitempty" msgpack:"gid,omitempty"`

	Content  string `json:"content" msgpack:"content"`
	Evidence string `json:"evidence,omitempty" msgpack:"ev,omitempty"`

	// StartTime and EndTime are YYYY-MM-DD dates bounding the period the
	// foresight refers to. Either may be empty, meaning open on that side.
	// DurationDays is the day count between them when both are known.
	StartTime    string `json:"start_time,omitempty" msgpack:"start,omitempty"`
	EndTime      string `json:"end_time,omitempty" msgpack:"end,omitempty"`
	DurationDays int    `json:"duration_days,omitempty" msgpack:"dur,omitempty"`

	Embedding []float32 `json:"-" msgpack:"emb,omitempty"`
	Timestamp int64     `json:"ts" msgpack:"ts"`

	Deletion
}

// SearchContent returns the text the foresight is indexed under. The
// quoted evidence is included so searches match the original wording.
func (f *Foresight) SearchContent() string {
	if f.Evidence == "" {
		return f.Content
	}
	return f.Content + "\n" + f.Evidence
}

// UserProfile is the rolling profile for a user within a group scope.
// Only the latest version is stored; every upsert bumps Version.
type UserProfile struct {
	UserID    string    `json:"user_id" msgpack:"uid"`
	GroupID   string    `json:"group_id,omitempty" msgpack:"gid,omitempty"`
	Content   string    `json:"content" msgpack:"content"`
	Version   int       `json:"version" msgpack:"ver"`
	Embedding []float32 `json:"-" msgpack:"emb,omitempty"`
	Timestamp int64     `json:"ts" msgpack:"ts"`

	// MemCellCount counts the episodes folded into this profile.
	MemCellCount int `json:"memcell_count,omitempty" msgpack:"cells,omitempty"`

	// ClusterIDs lists the topic clusters the user's episodes fall into;
	// LastCluster is the matched cluster of the most recent episode and
	// Confidence its centroid similarity.
	ClusterIDs  []string `json:"cluster_ids,omitempty" msgpack:"clusters,omitempty"`
	LastCluster string   `json:"last_updated_cluster,omitempty" msgpack:"last_cluster,omitempty"`
	Confidence  float32  `json:"confidence,omitempty" msgpack:"conf,omitempty"`
}

// SearchContent returns the text the profile is indexed under.
func (p *UserProfile) SearchContent() string { return p.Content }

// DocID returns the single-string document ID the profile is indexed
// under, joining its (user, group) scope with a NUL byte.
func (p *UserProfile) DocID() string {
	return ProfileDocID(p.UserID, p.GroupID)
}

// ---------------------------------------------------------------------------
// Conversation metadata
// ---------------------------------------------------------------------------

// Scene classifies a conversation's shape. Foresight extraction only runs
// for assistant and companion scenes.
type Scene string

const (
	SceneAssistant Scene = "assistant"
	SceneCompanion Scene = "companion"
	SceneGroup     Scene = "group"
)

// UserDetail names one participant of a conversation.
type UserDetail struct {
	Name string `json:"name,omitempty" msgpack:"name,omitempty"`
	Role Role   `json:"role,omitempty" msgpack:"role,omitempty"`
}

// ConversationMeta holds per-conversation settings consulted at boundary
// detection and extraction time.
type ConversationMeta struct {
	GroupID  string `json:"group_id" msgpack:"gid"`
	Scene    Scene  `json:"scene,omitempty" msgpack:"scene,omitempty"`
	Timezone string `json:"timezone,omitempty" msgpack:"tz,omitempty"`

	// UserDetails maps sender IDs to display information used when
	// rendering transcripts.
	UserDetails map[string]UserDetail `json:"user_details,omitempty" msgpack:"users,omitempty"`

	Updated int64 `json:"updated,omitempty" msgpack:"ts,omitempty"`
}

// Location resolves the conversation's IANA timezone, falling back to UTC
// when the meta is missing, unset or names an unknown zone.
func (m *ConversationMeta) Location() *time.Location {
	if m == nil || m.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SenderName resolves the display name for a message sender: the message's
// own sender name, then the conversation's user details, then a fallback
// derived from the role.
func (m *ConversationMeta) SenderName(msg *Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	if m != nil {
		if d, ok := m.UserDetails[msg.SenderID]; ok && d.Name != "" {
			return d.Name
		}
	}
	if msg.SenderID != "" {
		return msg.SenderID
	}
	if msg.Role == RoleAssistant {
		return "Assistant"
	}
	return "User"
}

// ---------------------------------------------------------------------------
// Time helpers
// ---------------------------------------------------------------------------

// lastNano tracks the most recently returned timestamp to ensure
// monotonicity. If the wall clock hasn't advanced since the last call, the
// counter increments by 1 nanosecond so records written in rapid
// succession still sort deterministically.
var lastNano atomic.Int64

// nowNano returns a monotonically increasing Unix nanosecond timestamp.
// Extracted as a variable to allow test injection.
var nowNano = func() int64 {
	now := time.Now().UnixNano()
	for {
		old := lastNano.Load()
		next := now
		if next <= old {
			next = old + 1
		}
		if lastNano.CompareAndSwap(old, next) {
			return next
		}
	}
}
