// Package extract turns closed conversation episodes into durable memories.
//
// An [Extractor] runs the per-episode pipeline against its LLM and
// embedding collaborators: render the transcript, summarize it into a
// memory cell, pull out atomic facts, generate foresights for scenes
// that warrant them, and refresh the profile of every user who spoke.
// Everything extracted from one episode forms a [Result], committed to
// the memory store as one atomic batch.
//
// A [Pool] runs extractions on a bounded set of workers with
// per-conversation serialization. Episodes that fail terminally are
// parked in a [DeadLetterQueue] with their raw messages preserved, so an
// operator can inspect and requeue them.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/evermem/evermem/pkg/cluster"
	"github.com/evermem/evermem/pkg/embed"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/llm"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/tenant"
)

// ErrExtractionFailed wraps any pipeline failure that survived retries.
// Episodes failing with it end up in the dead-letter queue.
var ErrExtractionFailed = errors.New("extract: extraction failed")

const (
	defaultMaxForesights = 10
	defaultAttempts      = 3
	defaultBackoff       = 2 * time.Second
)

// ProfileSource supplies the stored profile a profile update merges
// into. *memstore.Store implements it; absence is reported with
// kv.ErrNotFound.
type ProfileSource interface {
	GetProfile(ctx context.Context, t tenant.Tenant, userID, groupID string) (*memstore.UserProfile, error)
}

// TopicSource folds an episode vector into a user's topic clusters and
// reports the assignment. *cluster.Registry implements it.
type TopicSource interface {
	Assign(ctx context.Context, t tenant.Tenant, userID string, vec []float32) (cluster.Assignment, error)
}

// Config configures an [Extractor].
type Config struct {
	// Generator runs the LLM completions. Required.
	Generator llm.Generator

	// Embedder produces fact, cell, foresight and profile vectors.
	// Required. It is wrapped internally so large fact lists fan out
	// over chunked calls.
	Embedder embed.Embedder

	// Profiles supplies current profiles for merging. Optional; when
	// nil every profile update starts from an empty profile.
	Profiles ProfileSource

	// Topics tracks per-user topic clusters. Optional; when set, each
	// profile update is annotated with the episode's cluster assignment.
	Topics TopicSource

	// MaxForesights caps generated foresights per episode. Values
	// outside (0, 10] select the hard cap of 10.
	MaxForesights int

	// Attempts is the number of tries for each LLM or embedding step.
	// Default 3.
	Attempts int

	// Backoff is the delay before the first retry, doubled on each
	// subsequent one. Default 2s.
	Backoff time.Duration

	// EmbedBatch and EmbedConcurrency bound the embedding fan-out.
	// Defaults 256 and 5.
	EmbedBatch       int
	EmbedConcurrency int

	// Temperature for LLM calls. Zero selects the provider default.
	Temperature float64
}

// Extractor runs the extraction pipeline for one episode at a time.
// It is stateless and safe for concurrent use.
type Extractor struct {
	gen      llm.Generator
	embedder embed.Embedder
	profiles ProfileSource
	topics   TopicSource

	maxForesights int
	attempts      int
	backoff       time.Duration
	temperature   float64
}

// New creates an Extractor.
func New(cfg Config) (*Extractor, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("extract: Config.Generator is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("extract: Config.Embedder is required")
	}
	x := &Extractor{
		gen:           cfg.Generator,
		embedder:      embed.NewBatched(cfg.Embedder, cfg.EmbedBatch, cfg.EmbedConcurrency),
		profiles:      cfg.Profiles,
		topics:        cfg.Topics,
		maxForesights: cfg.MaxForesights,
		attempts:      cfg.Attempts,
		backoff:       cfg.Backoff,
		temperature:   cfg.Temperature,
	}
	if x.maxForesights <= 0 || x.maxForesights > defaultMaxForesights {
		x.maxForesights = defaultMaxForesights
	}
	if x.attempts <= 0 {
		x.attempts = defaultAttempts
	}
	if x.backoff <= 0 {
		x.backoff = defaultBackoff
	}
	return x, nil
}

// Episode is one closed conversation window awaiting extraction.
type Episode struct {
	Tenant         tenant.Tenant
	ConversationID string

	// EventID becomes the memory cell's event ID. The pool assigns one
	// at submit time when empty.
	EventID string

	// Messages are the drained buffer contents in conversation order.
	Messages []memstore.Message

	// Meta is the conversation's metadata, nil when none was stored.
	Meta *memstore.ConversationMeta
}

// scope returns the record scope for the episode. Every record carries
// the conversation as its group; one-to-one scenes additionally pin the
// user whose memory this is.
func (ep *Episode) scope() (userID, groupID string) {
	groupID = ep.ConversationID
	if ep.Meta == nil || ep.Meta.Scene != memstore.SceneGroup {
		userID = ep.firstUser()
	}
	return userID, groupID
}

// profileScope returns the group key profile updates are stored under.
// Group conversations keep one profile per user per group; one-to-one
// scenes update the user's personal profile, which follows them across
// conversations.
func (ep *Episode) profileScope() string {
	if ep.Meta != nil && ep.Meta.Scene == memstore.SceneGroup {
		return ep.ConversationID
	}
	return ""
}

// foresightScene reports whether the episode's scene warrants foresight
// generation. One-to-one scenes do; group chats and unlabeled
// conversations do not.
func (ep *Episode) foresightScene() bool {
	if ep.Meta == nil {
		return false
	}
	switch ep.Meta.Scene {
	case memstore.SceneAssistant, memstore.SceneCompanion:
		return true
	}
	return false
}

func (ep *Episode) firstUser() string {
	for i := range ep.Messages {
		m := &ep.Messages[i]
		if m.Role == memstore.RoleUser && m.SenderID != "" {
			return m.SenderID
		}
	}
	return ""
}

// displayName resolves a user's display name from the conversation's
// user details, falling back to the name they spoke under.
func (ep *Episode) displayName(userID string) string {
	if ep.Meta != nil {
		if d, ok := ep.Meta.UserDetails[userID]; ok && d.Name != "" {
			return d.Name
		}
	}
	for i := range ep.Messages {
		m := &ep.Messages[i]
		if m.SenderID == userID && m.SenderName != "" {
			return m.SenderName
		}
	}
	return userID
}

// Result is everything extracted from one episode, ready for a single
// store commit.
type Result struct {
	Cell       *memstore.MemCell
	EventLogs  []*memstore.EventLog
	Foresights []*memstore.Foresight
	Profiles   []*memstore.UserProfile
}

// Commit converts the result into the store's commit form.
func (r *Result) Commit() *memstore.Commit {
	return &memstore.Commit{
		MemCell:    r.Cell,
		EventLogs:  r.EventLogs,
		Foresights: r.Foresights,
		Profiles:   r.Profiles,
	}
}

// Extract runs the full pipeline for one episode. Any step failing past
// its retries aborts the whole episode with [ErrExtractionFailed]; no
// partial result is returned.
func (x *Extractor) Extract(ctx context.Context, ep *Episode) (*Result, error) {
	if len(ep.Messages) == 0 {
		return nil, fmt.Errorf("extract: empty episode")
	}
	res, err := x.extract(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	return res, nil
}

func (x *Extractor) extract(ctx context.Context, ep *Episode) (*Result, error) {
	transcript := Transcript(ep.Meta, ep.Messages)
	userID, groupID := ep.scope()

	// Summarization and fact extraction are independent LLM calls.
	var (
		sum summaryOut
		raw factsOut
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return x.withRetry(gctx, "summarize episode", func(ctx context.Context) error {
			return x.generate(ctx, "summary", summaryPrompt, transcript, summarySchema, &sum)
		})
	})
	g.Go(func() error {
		return x.withRetry(gctx, "extract facts", func(ctx context.Context) error {
			return x.generate(ctx, "facts", factsPrompt, transcript, factsSchema, &raw)
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cell := &memstore.MemCell{
		EventID:      ep.EventID,
		UserID:       userID,
		GroupID:      groupID,
		Subject:      sum.Subject,
		Summary:      sum.Summary,
		Episode:      sum.Episode,
		Participants: sum.Participants,
		Keywords:     sum.Keywords,
		Facts:        dedupFacts(raw.Facts),
		Messages:     ep.Messages,
		Timestamp:    time.Time(ep.Messages[0].CreateTime).UnixNano(),
	}

	// One vector per fact plus the cell vector, embedded in one batch.
	texts := append(slices.Clone(cell.Facts), cell.SearchContent())
	var vecs [][]float32
	if err := x.withRetry(ctx, "embed facts", func(ctx context.Context) error {
		out, err := x.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return fmt.Errorf("got %d vectors for %d texts", len(out), len(texts))
		}
		vecs = out
		return nil
	}); err != nil {
		return nil, err
	}
	cell.Embedding = vecs[len(vecs)-1]

	logs := make([]*memstore.EventLog, len(cell.Facts))
	for i, f := range cell.Facts {
		logs[i] = &memstore.EventLog{
			ID:        uuid.NewString(),
			EventID:   cell.EventID,
			UserID:    userID,
			GroupID:   groupID,
			Content:   f,
			Embedding: vecs[i],
			Timestamp: cell.Timestamp,
		}
	}

	res := &Result{Cell: cell, EventLogs: logs}

	if ep.foresightScene() {
		fss, err := x.foresee(ctx, ep, transcript)
		if err != nil {
			return nil, err
		}
		res.Foresights = fss
	}

	profiles, err := x.updateProfiles(ctx, ep, transcript, cell.Embedding)
	if err != nil {
		return nil, err
	}
	res.Profiles = profiles

	return res, nil
}

// foresee asks the model for forward-looking inferences and normalizes
// their date windows.
func (x *Extractor) foresee(ctx context.Context, ep *Episode, transcript string) ([]*memstore.Foresight, error) {
	last := ep.Messages[len(ep.Messages)-1]
	today := time.Time(last.CreateTime).In(ep.Meta.Location()).Format(dateLayout)

	var out foresightOut
	if err := x.withRetry(ctx, "generate foresight", func(ctx context.Context) error {
		return x.generate(ctx, "foresights", buildForesightPrompt(today), transcript, foresightSchema, &out)
	}); err != nil {
		return nil, err
	}

	items := out.Foresights
	if len(items) > x.maxForesights {
		items = items[:x.maxForesights]
	}

	userID, groupID := ep.scope()
	ts := time.Time(ep.Messages[0].CreateTime).UnixNano()
	var fss []*memstore.Foresight
	var texts []string
	for _, it := range items {
		content := strings.TrimSpace(it.Content)
		if content == "" {
			continue
		}
		start, end, days := normalizeWindow(sanitizeDate(it.StartTime), sanitizeDate(it.EndTime), it.DurationDays)
		fss = append(fss, &memstore.Foresight{
			ID:           uuid.NewString(),
			EventID:      ep.EventID,
			UserID:       userID,
			GroupID:      groupID,
			Content:      content,
			Evidence:     strings.TrimSpace(it.Evidence),
			StartTime:    start,
			EndTime:      end,
			DurationDays: days,
			Timestamp:    ts,
		})
		texts = append(texts, content)
	}
	if len(fss) == 0 {
		return nil, nil
	}

	if err := x.embedAligned(ctx, "embed foresight", texts, func(i int, vec []float32) {
		fss[i].Embedding = vec
	}); err != nil {
		return nil, err
	}
	return fss, nil
}

// updateProfiles rewrites the profile of every user who spoke in the
// episode, merging the episode into whatever profile is already stored.
// episodeVec is the memory cell's embedding, used for topic assignment.
func (x *Extractor) updateProfiles(ctx context.Context, ep *Episode, transcript string, episodeVec []float32) ([]*memstore.UserProfile, error) {
	users := episodeUsers(ep.Messages)
	if len(users) == 0 {
		return nil, nil
	}
	groupID := ep.profileScope()

	var profiles []*memstore.UserProfile
	var texts []string
	for _, uid := range users {
		var current string
		var cells int
		if x.profiles != nil {
			p, err := x.profiles.GetProfile(ctx, ep.Tenant, uid, groupID)
			if err != nil && !errors.Is(err, kv.ErrNotFound) {
				return nil, fmt.Errorf("load profile %s: %w", uid, err)
			}
			if p != nil {
				current = p.Content
				cells = p.MemCellCount
			}
		}

		var out profileOut
		if err := x.withRetry(ctx, "update profile", func(ctx context.Context) error {
			return x.generate(ctx, "profile", buildProfilePrompt(ep.displayName(uid), current), transcript, profileSchema, &out)
		}); err != nil {
			return nil, err
		}

		content := strings.TrimSpace(out.Profile)
		if content == "" || content == current {
			continue
		}
		p := &memstore.UserProfile{
			UserID:       uid,
			GroupID:      groupID,
			Content:      content,
			MemCellCount: cells + 1,
		}
		x.assignTopic(ctx, ep, uid, episodeVec, p)
		profiles = append(profiles, p)
		texts = append(texts, content)
	}
	if len(profiles) == 0 {
		return nil, nil
	}

	if err := x.embedAligned(ctx, "embed profile", texts, func(i int, vec []float32) {
		profiles[i].Embedding = vec
	}); err != nil {
		return nil, err
	}
	return profiles, nil
}

// assignTopic folds the episode vector into the user's topic clusters
// and annotates the profile with the result. Assignment failures only
// lose the annotation; the profile update itself goes ahead.
func (x *Extractor) assignTopic(ctx context.Context, ep *Episode, userID string, vec []float32, p *memstore.UserProfile) {
	if x.topics == nil || len(vec) == 0 {
		return
	}
	a, err := x.topics.Assign(ctx, ep.Tenant, userID, vec)
	if err != nil {
		slog.Warn("extract: topic assignment failed", "conversation", ep.ConversationID, "user", userID, "error", err)
		return
	}
	p.ClusterIDs = a.TopicIDs
	if a.Matched {
		p.LastCluster = a.ClusterID
		p.Confidence = a.Confidence
	}
}

// generate runs one structured LLM call and decodes its JSON response.
func (x *Extractor) generate(ctx context.Context, name, system, prompt string, schema *jsonschema.Schema, out any) error {
	text, err := x.gen.Generate(ctx, &llm.Request{
		System:      system,
		Prompt:      prompt,
		Schema:      schema,
		SchemaName:  name,
		Temperature: x.temperature,
	})
	if err != nil {
		return err
	}
	if err := llm.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("parse %s response: %w", name, err)
	}
	return nil
}

// embedAligned embeds texts in one retried batch and hands each vector
// to assign with its input index.
func (x *Extractor) embedAligned(ctx context.Context, op string, texts []string, assign func(int, []float32)) error {
	return x.withRetry(ctx, op, func(ctx context.Context) error {
		vecs, err := x.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts))
		}
		for i, v := range vecs {
			assign(i, v)
		}
		return nil
	})
}

// withRetry runs fn up to the configured attempt count with exponential
// backoff between tries.
func (x *Extractor) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < x.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, lastErr)
			case <-time.After(x.backoff << (attempt - 1)):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, x.attempts, lastErr)
}

// Transcript renders messages as "{sender}: {content}" lines, resolving
// sender names through the conversation's user details. Empty messages
// are skipped.
func Transcript(meta *memstore.ConversationMeta, msgs []memstore.Message) string {
	var sb strings.Builder
	for i := range msgs {
		m := &msgs[i]
		if m.Content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(meta.SenderName(m))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// dedupFacts drops empty and duplicate facts, comparing them with case
// folded and whitespace collapsed. The first surface form wins.
func dedupFacts(facts []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(facts))
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		key := strings.ToLower(strings.Join(strings.Fields(f), " "))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}

// episodeUsers lists the distinct user-role senders in speaking order.
func episodeUsers(msgs []memstore.Message) []string {
	var out []string
	seen := make(map[string]struct{})
	for i := range msgs {
		m := &msgs[i]
		if m.Role != memstore.RoleUser || m.SenderID == "" {
			continue
		}
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		out = append(out, m.SenderID)
	}
	return out
}
