package msgbuf_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/evermem/evermem/pkg/jsontime"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/msgbuf"
	"github.com/evermem/evermem/pkg/tenant"
)

var testTenant = tenant.Tenant{Org: "acme", Space: "prod"}

func msg(content string) memstore.Message {
	return memstore.Message{
		Role:       memstore.RoleUser,
		Content:    content,
		CreateTime: jsontime.Unix(time.Unix(1700000000, 0)),
	}
}

func contents(msgs []memstore.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestAppendPeekDrain(t *testing.T) {
	ctx := context.Background()
	b := msgbuf.New(kv.NewMemory(nil))

	n, err := b.Append(ctx, testTenant, "c1", msg("one"), msg("two"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("count after append = %d, want 2", n)
	}
	n, err = b.Append(ctx, testTenant, "c1", msg("three"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count after second append = %d, want 3", n)
	}

	peeked, err := b.Peek(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(contents(peeked)) != "[one two three]" {
		t.Errorf("peek = %v", contents(peeked))
	}
	// Peek does not consume.
	if n, _ := b.Count(ctx, testTenant, "c1"); n != 3 {
		t.Errorf("count after peek = %d, want 3", n)
	}

	drained, err := b.Drain(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(contents(drained)) != "[one two three]" {
		t.Errorf("drain = %v", contents(drained))
	}
	if n, _ := b.Count(ctx, testTenant, "c1"); n != 0 {
		t.Errorf("count after drain = %d, want 0", n)
	}

	again, err := b.Drain(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("drain of empty buffer = %v, want nil", again)
	}
}

func TestAppendStampsCreateTime(t *testing.T) {
	ctx := context.Background()
	b := msgbuf.New(kv.NewMemory(nil))

	if _, err := b.Append(ctx, testTenant, "c1", memstore.Message{Role: memstore.RoleUser, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	msgs, err := b.Peek(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].CreateTime.IsZero() || msgs[0].CreateTime.Time().Unix() <= 0 {
		t.Errorf("create time not stamped: %v", msgs[0].CreateTime)
	}
}

func TestRequeueRestoresHead(t *testing.T) {
	ctx := context.Background()
	b := msgbuf.New(kv.NewMemory(nil))

	if _, err := b.Append(ctx, testTenant, "c1", msg("one"), msg("two")); err != nil {
		t.Fatal(err)
	}
	drained, err := b.Drain(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}

	// New traffic arrives while the drained episode is in flight.
	if _, err := b.Append(ctx, testTenant, "c1", msg("three")); err != nil {
		t.Fatal(err)
	}

	// Submission failed; the episode goes back in front.
	if err := b.Requeue(ctx, testTenant, "c1", drained); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.Count(ctx, testTenant, "c1"); n != 3 {
		t.Errorf("count after requeue = %d, want 3", n)
	}

	msgs, err := b.Drain(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(contents(msgs)) != "[one two three]" {
		t.Errorf("order after requeue = %v, want [one two three]", contents(msgs))
	}
}

func TestRequeueIntoEmptyBuffer(t *testing.T) {
	ctx := context.Background()
	b := msgbuf.New(kv.NewMemory(nil))

	if err := b.Requeue(ctx, testTenant, "c1", []memstore.Message{msg("one")}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(ctx, testTenant, "c1", msg("two")); err != nil {
		t.Fatal(err)
	}
	msgs, err := b.Drain(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(contents(msgs)) != "[one two]" {
		t.Errorf("got %v, want [one two]", contents(msgs))
	}
}

func TestConversationIsolation(t *testing.T) {
	ctx := context.Background()
	b := msgbuf.New(kv.NewMemory(nil))

	if _, err := b.Append(ctx, testTenant, "c1", msg("in c1")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Append(ctx, testTenant, "c2", msg("in c2")); err != nil {
		t.Fatal(err)
	}
	other := tenant.Tenant{Org: "acme", Space: "dev"}
	if _, err := b.Append(ctx, other, "c1", msg("other tenant")); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.Drain(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "in c1" {
		t.Errorf("c1 drain = %v", contents(msgs))
	}
	if n, _ := b.Count(ctx, testTenant, "c2"); n != 1 {
		t.Errorf("c2 count = %d, want 1", n)
	}
	if n, _ := b.Count(ctx, other, "c1"); n != 1 {
		t.Errorf("other tenant count = %d, want 1", n)
	}
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	b := msgbuf.New(kv.NewMemory(nil))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := b.Append(ctx, testTenant, "c1", msg(fmt.Sprintf("w%d-%d", i, j))); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	msgs, err := b.Drain(ctx, testTenant, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 100 {
		t.Errorf("drained %d messages, want 100", len(msgs))
	}
}

// failingStore returns an error from every operation.
type failingStore struct{}

var errDiskGone = errors.New("disk gone")

func (failingStore) Get(context.Context, kv.Key) ([]byte, error)  { return nil, errDiskGone }
func (failingStore) Set(context.Context, kv.Key, []byte) error    { return errDiskGone }
func (failingStore) Delete(context.Context, kv.Key) error         { return errDiskGone }
func (failingStore) BatchSet(context.Context, []kv.Entry) error   { return errDiskGone }
func (failingStore) BatchDelete(context.Context, []kv.Key) error  { return errDiskGone }
func (failingStore) Close() error                                 { return nil }
func (failingStore) List(context.Context, kv.Key) iter.Seq2[kv.Entry, error] {
	return func(yield func(kv.Entry, error) bool) {
		yield(kv.Entry{}, errDiskGone)
	}
}

func TestBackendFailureSurfacesUnavailable(t *testing.T) {
	ctx := context.Background()
	b := msgbuf.New(failingStore{})

	_, err := b.Append(ctx, testTenant, "c1", msg("x"))
	if !errors.Is(err, msgbuf.ErrUnavailable) {
		t.Errorf("append err = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, errDiskGone) {
		t.Errorf("append err = %v, want wrapped cause", err)
	}
	if _, err := b.Drain(ctx, testTenant, "c1"); !errors.Is(err, msgbuf.ErrUnavailable) {
		t.Errorf("drain err = %v, want ErrUnavailable", err)
	}
	if _, err := b.Peek(ctx, testTenant, "c1"); !errors.Is(err, msgbuf.ErrUnavailable) {
		t.Errorf("peek err = %v, want ErrUnavailable", err)
	}
}
