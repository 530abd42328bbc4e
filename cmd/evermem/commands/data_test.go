package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evermem/evermem/pkg/cluster"
	"github.com/evermem/evermem/pkg/extract"
	"github.com/evermem/evermem/pkg/keyword"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/llm"
	"github.com/evermem/evermem/pkg/memory"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/msgbuf"
	"github.com/evermem/evermem/pkg/projection"
	"github.com/evermem/evermem/pkg/recall"
	"github.com/evermem/evermem/pkg/tenant"
	"github.com/evermem/evermem/pkg/vecstore"
)

var day = time.Date(2024, 5, 28, 9, 0, 0, 0, time.UTC)

// cannedGen serves fixed JSON keyed by schema name.
type cannedGen struct {
	mu        sync.Mutex
	responses map[string]string
}

func (g *cannedGen) Generate(_ context.Context, req *llm.Request) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	resp, ok := g.responses[req.SchemaName]
	if !ok {
		return "", fmt.Errorf("no canned response for %q", req.SchemaName)
	}
	return resp, nil
}

func (g *cannedGen) Model() string { return "canned" }

func (g *cannedGen) set(name, resp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses[name] = resp
}

func cannedResponses() map[string]string {
	return map[string]string{
		"summary": `{"subject":"Tea and travel","summary":"小明 shared his tea preference and a trip plan.","episode":"小明 told the assistant he loves oolong tea and will fly to Chengdu in June.","participants":["小明"],"keywords":["oolong","Chengdu"]}`,
		"facts":   `{"facts":["小明 likes oolong tea","小明 will visit Chengdu in June"]}`,
		"foresights": `{"foresights":[` +
			`{"content":"小明 travels to Chengdu","evidence":"小明: I fly on June 1st","start_time":"2024-06-01","end_time":"","duration_days":6}]}`,
		"profile": `{"profile":"Name: 小明\nLikes: oolong tea\nPlans: Chengdu trip in June"}`,
	}
}

type axisEmbed struct{}

func axisVec(text string) []float32 {
	v := []float32{0.1, 0.1}
	lower := strings.ToLower(text)
	for _, w := range []string{"tea", "oolong"} {
		if strings.Contains(lower, w) {
			v[0]++
		}
	}
	for _, w := range []string{"trip", "travel", "chengdu"} {
		if strings.Contains(lower, w) {
			v[1]++
		}
	}
	return v
}

func (axisEmbed) Embed(_ context.Context, text string) ([]float32, error) {
	return axisVec(text), nil
}

func (axisEmbed) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return axisVec(text), nil
}

func (axisEmbed) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i] = axisVec(s)
	}
	return out, nil
}

func (axisEmbed) Dimension() int { return 2 }

// setupDataEnv wires an in-memory service stack behind the data commands
// and scopes them to a fixed tenant. openService short-circuits to it
// until the test finishes.
func setupDataEnv(t *testing.T, gen *cannedGen) *serviceEnv {
	t.Helper()
	setupHome(t)
	if gen == nil {
		gen = &cannedGen{responses: cannedResponses()}
	}

	store := kv.NewMemory(nil)
	records := memstore.New(store)
	buf := msgbuf.New(store)
	kw := keyword.New(store)
	reg := vecstore.NewRegistry(func(tenant.Tenant, string) (vecstore.Index, error) {
		return vecstore.NewMemory(), nil
	})
	proj, err := projection.New(projection.Config{KV: store, Store: records, Keyword: kw, Vectors: reg})
	if err != nil {
		t.Fatalf("projection.New: %v", err)
	}
	dlq := extract.NewDeadLetterQueue(store, nil)
	x, err := extract.New(extract.Config{
		Generator: gen,
		Embedder:  axisEmbed{},
		Profiles:  records,
		Topics:    cluster.New(store, cluster.Config{}),
		Backoff:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("extract.New: %v", err)
	}
	pool, err := extract.NewPool(extract.PoolConfig{
		Extractor: x,
		Store:     records,
		DLQ:       dlq,
		Project:   proj.Project,
		Workers:   2,
		QueueSize: 16,
		Timeout:   time.Minute,
	})
	if err != nil {
		t.Fatalf("extract.NewPool: %v", err)
	}
	eng, err := recall.New(recall.Config{
		Store:    records,
		Keyword:  kw,
		Vectors:  reg,
		Embedder: axisEmbed{},
		Buffers:  buf,
	})
	if err != nil {
		t.Fatalf("recall.New: %v", err)
	}
	svc, err := memory.New(memory.Config{Store: records, Buffer: buf, Pool: pool, Recall: eng})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	env := &serviceEnv{
		svc:      svc,
		records:  records,
		buffer:   buf,
		vectors:  reg,
		proj:     proj,
		dlq:      dlq,
		store:    store,
		keepOpen: true,
	}
	testEnv = env
	testTenant = tenant.Tenant{Org: "acme", Space: "prod"}
	t.Cleanup(func() {
		testEnv = nil
		testTenant = tenant.Tenant{}
		svc.Close()
	})
	return env
}

func writeRequestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const seedConversation = `group_id: trip-chat
messages:
  - sender_id: u1
    sender_name: 小明
    role: user
    content: 我喜欢乌龙茶
    create_time: %d
  - sender_id: u1
    sender_name: 小明
    role: user
    content: I fly to Chengdu on June 1st
    create_time: %d
`

const closeConversation = `group_id: trip-chat
sync: true
messages:
  - sender_id: u1
    sender_name: 小明
    role: user
    content: 早上好
    create_time: %d
`

// seedEpisode ingests the standard two-message day and closes it with a
// next-morning probe in sync mode, leaving one extracted episode behind.
func seedEpisode(t *testing.T) {
	t.Helper()
	seed := writeRequestFile(t, "seed.yaml",
		fmt.Sprintf(seedConversation, day.Unix(), day.Add(2*time.Minute).Unix()))
	stdout, stderr, code := runCmd(t, "ingest", "-f", seed)
	if code != 0 {
		t.Fatalf("seed ingest failed: %s", stderr)
	}
	if !strings.Contains(stdout, "Ingested 2 message(s)") {
		t.Fatalf("expected 2 messages ingested, got: %s", stdout)
	}

	probe := writeRequestFile(t, "close.yaml",
		fmt.Sprintf(closeConversation, day.Add(23*time.Hour).Unix()))
	stdout, stderr, code = runCmd(t, "ingest", "-f", probe)
	if code != 0 {
		t.Fatalf("closing ingest failed: %s", stderr)
	}
	if !strings.Contains(stdout, "episode extracted") {
		t.Fatalf("expected synchronous extraction, got: %s", stdout)
	}
}

// ---------------------------------------------------------------------------
// ingest tests
// ---------------------------------------------------------------------------

func TestIngestText(t *testing.T) {
	env := setupDataEnv(t, nil)

	stdout, _, code := runCmd(t, "ingest", "-g", "trip-chat", "--user", "u1", "--name", "小明", "周末想去成都玩")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, `Ingested 1 message(s) into "trip-chat"`) {
		t.Fatalf("expected ingest summary, got: %s", stdout)
	}
	if !strings.Contains(stdout, "no episode boundary yet") {
		t.Fatalf("expected buffered status, got: %s", stdout)
	}

	msgs, err := env.svc.Pending(context.Background(), testTenant, "trip-chat")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].SenderName != "小明" {
		t.Fatalf("buffered = %+v", msgs)
	}
}

func TestIngestValidation(t *testing.T) {
	setupDataEnv(t, nil)

	_, stderr, code := runCmd(t, "ingest")
	if code == 0 || !strings.Contains(stderr, "provide message text or --file") {
		t.Fatalf("expected usage error, got: %s", stderr)
	}

	_, stderr, code = runCmd(t, "ingest", "-f", "req.yaml", "hello")
	if code == 0 || !strings.Contains(stderr, "mutually exclusive") {
		t.Fatalf("expected exclusivity error, got: %s", stderr)
	}

	_, stderr, code = runCmd(t, "ingest", "hello")
	if code == 0 || !strings.Contains(stderr, "group ID is required") {
		t.Fatalf("expected missing group error, got: %s", stderr)
	}
}

func TestIngestFileClosesEpisode(t *testing.T) {
	env := setupDataEnv(t, nil)
	seedEpisode(t)

	g := "trip-chat"
	res, err := env.svc.Fetch(context.Background(), testTenant, &memory.FetchRequest{GroupID: &g})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.MemCells) != 1 || len(res.EventLogs) != 2 || len(res.Foresights) != 1 || len(res.Profiles) != 1 {
		t.Fatalf("extracted records = %d cells, %d logs, %d foresights, %d profiles",
			len(res.MemCells), len(res.EventLogs), len(res.Foresights), len(res.Profiles))
	}
}

// ---------------------------------------------------------------------------
// search tests
// ---------------------------------------------------------------------------

func TestSearchCommand(t *testing.T) {
	setupDataEnv(t, nil)
	seedEpisode(t)

	stdout, _, code := runCmd(t, "search", "oolong", "--method", "keyword", "-g", "trip-chat")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "Found") || !strings.Contains(stdout, "oolong") {
		t.Fatalf("expected a hit, got: %s", stdout)
	}
	if !strings.Contains(stdout, "event_log") {
		t.Fatalf("expected event_log section, got: %s", stdout)
	}
}

func TestSearchValidation(t *testing.T) {
	setupDataEnv(t, nil)

	_, stderr, code := runCmd(t, "search", "tea", "--method", "psychic")
	if code == 0 || !strings.Contains(stderr, "unknown method") {
		t.Fatalf("expected method error, got: %s", stderr)
	}

	_, stderr, code = runCmd(t, "search", "tea", "--types", "telepathy")
	if code == 0 || !strings.Contains(stderr, "unknown memory type") {
		t.Fatalf("expected type error, got: %s", stderr)
	}

	_, stderr, code = runCmd(t, "search", "tea", "--from", "yesterday-ish")
	if code == 0 || !strings.Contains(stderr, "invalid --from") {
		t.Fatalf("expected time parse error, got: %s", stderr)
	}
}

func TestSearchJSONOutput(t *testing.T) {
	setupDataEnv(t, nil)
	seedEpisode(t)

	stdout, _, code := runCmd(t, "search", "oolong", "--method", "keyword", "-o", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, want := range []string{`"total_count"`, `"results"`} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in JSON output, got: %s", want, stdout)
		}
	}
}

// ---------------------------------------------------------------------------
// fetch tests
// ---------------------------------------------------------------------------

func TestFetchCommand(t *testing.T) {
	setupDataEnv(t, nil)
	seedEpisode(t)

	stdout, _, code := runCmd(t, "fetch", "-g", "trip-chat")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, want := range []string{"memory cells (1)", "Tea and travel", "event logs (2)", "foresights (1)", "profiles (1)"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output, got: %s", want, stdout)
		}
	}

	stdout, _, code = runCmd(t, "fetch", "-g", "trip-chat", "--types", "foresight")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "2024-06-01") || strings.Contains(stdout, "memory cells") {
		t.Fatalf("expected only foresights, got: %s", stdout)
	}

	stdout, _, code = runCmd(t, "fetch", "-g", "ghost-chat")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "No records found.") {
		t.Fatalf("expected empty result, got: %s", stdout)
	}
}

// ---------------------------------------------------------------------------
// delete tests
// ---------------------------------------------------------------------------

func TestDeleteCommand(t *testing.T) {
	setupDataEnv(t, nil)
	seedEpisode(t)

	_, stderr, code := runCmd(t, "delete", "--yes")
	if code == 0 || !strings.Contains(stderr, "at least one scoping field") {
		t.Fatalf("expected unscoped delete rejection, got: %s", stderr)
	}

	stdout, _, code := runCmd(t, "delete", "-g", "trip-chat", "--yes", "--by", "tester")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "Deleted 1 memory cell(s)") {
		t.Fatalf("expected delete summary, got: %s", stdout)
	}

	stdout, _, _ = runCmd(t, "fetch", "-g", "trip-chat")
	if !strings.Contains(stdout, "No records found.") {
		t.Fatalf("expected empty fetch after delete, got: %s", stdout)
	}
}

func TestDeleteAborted(t *testing.T) {
	setupDataEnv(t, nil)
	seedEpisode(t)

	// Answer "n" on the confirmation prompt.
	r, w, _ := os.Pipe()
	w.WriteString("n\n")
	w.Close()
	oldStdin := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = oldStdin }()

	stdout, _, code := runCmd(t, "delete", "-g", "trip-chat")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "Aborted.") {
		t.Fatalf("expected abort, got: %s", stdout)
	}

	stdout, _, _ = runCmd(t, "fetch", "-g", "trip-chat")
	if strings.Contains(stdout, "No records found.") {
		t.Fatal("aborted delete still removed records")
	}
}

// ---------------------------------------------------------------------------
// meta tests
// ---------------------------------------------------------------------------

func TestMetaSetAndGet(t *testing.T) {
	setupDataEnv(t, nil)

	stdout, _, code := runCmd(t, "meta", "set", "trip-chat",
		"--scene", "group",
		"--timezone", "Asia/Shanghai",
		"--user", "u1=小明:user",
		"--user", "bot=小助手:assistant")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "updated") {
		t.Fatalf("expected 'updated', got: %s", stdout)
	}

	stdout, _, code = runCmd(t, "meta", "get", "trip-chat")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, want := range []string{"group", "Asia/Shanghai", "小明", "小助手"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output, got: %s", want, stdout)
		}
	}

	// A later set without --user keeps the stored participants.
	runCmd(t, "meta", "set", "trip-chat", "--timezone", "UTC")
	stdout, _, _ = runCmd(t, "meta", "get", "trip-chat")
	if !strings.Contains(stdout, "UTC") || !strings.Contains(stdout, "小明") {
		t.Fatalf("expected merged settings, got: %s", stdout)
	}
}

func TestMetaValidation(t *testing.T) {
	setupDataEnv(t, nil)

	_, stderr, code := runCmd(t, "meta", "set", "trip-chat", "--scene", "party")
	if code == 0 || !strings.Contains(stderr, "unknown scene") {
		t.Fatalf("expected scene error, got: %s", stderr)
	}

	_, stderr, code = runCmd(t, "meta", "set", "trip-chat", "--timezone", "Mars/Olympus")
	if code == 0 || !strings.Contains(stderr, "invalid timezone") {
		t.Fatalf("expected timezone error, got: %s", stderr)
	}

	_, stderr, code = runCmd(t, "meta", "set", "trip-chat", "--user", "justaname")
	if code == 0 || !strings.Contains(stderr, "invalid --user") {
		t.Fatalf("expected user detail error, got: %s", stderr)
	}

	_, stderr, code = runCmd(t, "meta", "get", "ghost-chat")
	if code == 0 || !strings.Contains(stderr, "no settings stored") {
		t.Fatalf("expected missing meta error, got: %s", stderr)
	}
}

// ---------------------------------------------------------------------------
// pending tests
// ---------------------------------------------------------------------------

func TestPendingCommand(t *testing.T) {
	setupDataEnv(t, nil)
	seedEpisode(t)

	// The closing probe seeds the next episode and stays buffered.
	stdout, _, code := runCmd(t, "pending", "trip-chat")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "1 buffered message(s)") || !strings.Contains(stdout, "早上好") {
		t.Fatalf("expected the probe message, got: %s", stdout)
	}

	stdout, _, code = runCmd(t, "pending", "ghost-chat")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "No buffered messages.") {
		t.Fatalf("expected empty buffer, got: %s", stdout)
	}
}

// ---------------------------------------------------------------------------
// dlq tests
// ---------------------------------------------------------------------------

func TestDlqListAndRequeue(t *testing.T) {
	gen := &cannedGen{responses: cannedResponses()}
	delete(gen.responses, "facts") // every facts call fails until restored
	env := setupDataEnv(t, gen)

	stdout, _, _ := runCmd(t, "dlq", "list")
	if !strings.Contains(stdout, "Dead letter queue is empty.") {
		t.Fatalf("expected empty queue, got: %s", stdout)
	}

	seed := writeRequestFile(t, "seed.yaml",
		fmt.Sprintf(seedConversation, day.Unix(), day.Add(2*time.Minute).Unix()))
	runCmd(t, "ingest", "-f", seed)
	probe := writeRequestFile(t, "close.yaml",
		fmt.Sprintf(closeConversation, day.Add(23*time.Hour).Unix()))
	_, stderr, code := runCmd(t, "ingest", "-f", probe)
	if code == 0 || !strings.Contains(stderr, "extraction failed") {
		t.Fatalf("expected extraction failure, got: %s", stderr)
	}

	stdout, _, code = runCmd(t, "dlq", "list")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	for _, want := range []string{"1 failed episode(s)", "trip-chat", "requeue"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("expected %q in output, got: %s", want, stdout)
		}
	}

	letters, err := env.svc.DeadLetters(context.Background(), testTenant)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]

	_, stderr, code = runCmd(t, "dlq", "requeue", "trip-chat", "12345")
	if code == 0 || !strings.Contains(stderr, "not found") {
		t.Fatalf("expected unknown dead letter error, got: %s", stderr)
	}

	gen.set("facts", `{"facts":["小明 likes oolong tea"]}`)
	stdout, _, code = runCmd(t, "dlq", "requeue", "trip-chat", strconv.FormatInt(dl.FailedAt, 10))
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "Episode requeued") || !strings.Contains(stdout, dl.EventID) {
		t.Fatalf("expected requeue under event %s, got: %s", dl.EventID, stdout)
	}
}

func TestDlqRequeueBadTimestamp(t *testing.T) {
	setupDataEnv(t, nil)

	_, stderr, code := runCmd(t, "dlq", "requeue", "trip-chat", "not-a-number")
	if code == 0 || !strings.Contains(stderr, "invalid failed-at timestamp") {
		t.Fatalf("expected timestamp error, got: %s", stderr)
	}
}
