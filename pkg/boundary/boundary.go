// Package boundary decides when a conversation's buffered messages form a
// closed episode ready for extraction.
//
// Detection is pure and deterministic: the same config, metadata, buffer
// and probe always produce the same decision, and nothing here touches
// storage. The rules run top-down, first match wins:
//
//  1. Buffer at capacity → forced boundary (the probe joins the episode).
//  2. The probe's local calendar date differs from the buffer tail's.
//  3. A long silence before the probe AND the probe's topic diverges from
//     the recent tail window.
//  4. The probe contains an explicit topic-switch phrase.
//
// An empty buffer never fires. On an unforced boundary the probe is not
// part of the closing episode; it seeds the next one.
package boundary

import (
	"strings"
	"time"

	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/memstore"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxBuffer       = 200
	DefaultGap             = 4 * time.Hour
	DefaultTailWindow      = 6
	DefaultTopicOverlapMin = 0.18
)

// DefaultDelimiters are the built-in topic-switch phrases, matched
// case-insensitively as substrings of the probe content.
var DefaultDelimiters = []string{
	"let's change the topic",
	"change of topic",
	"talk about something else",
	"换个话题",
	"聊点别的",
	"说点别的",
}

// Config tunes the detection rules. Zero fields take the defaults above.
type Config struct {
	// MaxBuffer forces a boundary when the buffer reaches this size.
	MaxBuffer int

	// Gap is the minimum silence before the probe for the gap rule.
	Gap time.Duration

	// TailWindow is how many trailing messages the topic comparison sees.
	TailWindow int

	// TopicOverlapMin is the Jaccard overlap between the probe's terms
	// and the tail window's terms below which the topic counts as
	// switched.
	TopicOverlapMin float64

	// Delimiters overrides the topic-switch phrase set.
	Delimiters []string
}

func (c Config) withDefaults() Config {
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = DefaultMaxBuffer
	}
	if c.Gap <= 0 {
		c.Gap = DefaultGap
	}
	if c.TailWindow <= 0 {
		c.TailWindow = DefaultTailWindow
	}
	if c.TopicOverlapMin <= 0 {
		c.TopicOverlapMin = DefaultTopicOverlapMin
	}
	if c.Delimiters == nil {
		c.Delimiters = DefaultDelimiters
	}
	return c
}

// Reason names the rule that fired.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBufferFull  Reason = "buffer_full"
	ReasonDateChange  Reason = "date_change"
	ReasonTimeGap     Reason = "time_gap"
	ReasonSceneSignal Reason = "scene_signal"
)

// Decision is the outcome of one detection.
type Decision struct {
	// Boundary reports whether the buffered messages close an episode.
	Boundary bool

	// Forced means the probe belongs to the closing episode instead of
	// seeding the next one. Only the buffer-full rule sets it.
	Forced bool

	Reason Reason
}

// Detect runs the rules against the buffered messages and the incoming
// probe. meta may be nil (UTC, default scene) and probe may be nil (only
// the buffer-full rule can fire then).
func Detect(cfg Config, meta *memstore.ConversationMeta, buffered []memstore.Message, probe *memstore.Message) Decision {
	cfg = cfg.withDefaults()

	if len(buffered) == 0 {
		return Decision{}
	}
	if len(buffered) >= cfg.MaxBuffer {
		return Decision{Boundary: true, Forced: true, Reason: ReasonBufferFull}
	}
	if probe == nil {
		return Decision{}
	}

	tail := &buffered[len(buffered)-1]
	loc := meta.Location()
	if localDate(tail.CreateTime.Time(), loc) != localDate(probe.CreateTime.Time(), loc) {
		return Decision{Boundary: true, Reason: ReasonDateChange}
	}

	// The gap rule needs a tail window to compare topics against; a
	// single buffered message cannot establish one.
	if len(buffered) >= 2 && probe.CreateTime.Sub(tail.CreateTime) >= cfg.Gap {
		if topicOverlap(buffered, probe, cfg.TailWindow) < cfg.TopicOverlapMin {
			return Decision{Boundary: true, Reason: ReasonTimeGap}
		}
	}

	if matchesDelimiter(probe.Content, cfg.Delimiters) {
		return Decision{Boundary: true, Reason: ReasonSceneSignal}
	}
	return Decision{}
}

func localDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// topicOverlap computes the Jaccard overlap between the probe's term set
// and the union of terms in the last window messages. A probe or window
// without any terms yields 1: no evidence of divergence, no boundary.
func topicOverlap(buffered []memstore.Message, probe *memstore.Message, window int) float64 {
	probeSet := toSet(keyword.Tokenize(probe.Content))
	if len(probeSet) == 0 {
		return 1
	}

	start := len(buffered) - window
	if start < 0 {
		start = 0
	}
	tailSet := make(map[string]bool)
	for _, m := range buffered[start:] {
		for _, tok := range keyword.Tokenize(m.Content) {
			tailSet[tok] = true
		}
	}
	if len(tailSet) == 0 {
		return 1
	}

	inter := 0
	for tok := range probeSet {
		if tailSet[tok] {
			inter++
		}
	}
	union := len(probeSet) + len(tailSet) - inter
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func matchesDelimiter(content string, delimiters []string) bool {
	lower := strings.ToLower(content)
	for _, d := range delimiters {
		if d != "" && strings.Contains(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}
