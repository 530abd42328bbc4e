package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// apiError implements smithy.APIError for test assertions.
type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var errNoSuchKey = &apiError{code: "NoSuchKey", msg: "no such key"}
var errKeyMissing = &apiError{code: "NotFound", msg: "not found"}

// mockS3 is a thread-safe in-memory S3 backend for testing.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte

	putErr error
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte)}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		io.Copy(io.Discard, in.Body) // drain so the pipe writer unblocks
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, errKeyMissing
	}
	return &s3.HeadObjectOutput{}, nil
}

func newTestS3(t *testing.T) (*S3Store, *mockS3) {
	t.Helper()
	mock := newMockS3()
	store := NewS3(mock, "test-bucket", "")
	return store, mock
}

func TestS3WriteAndRead(t *testing.T) {
	store, _ := newTestS3(t)
	ctx := context.Background()

	const data = "hello s3"
	w, err := store.Write(ctx, "obj.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := store.Read(ctx, "obj.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != data {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestS3ReadNotExist(t *testing.T) {
	store, _ := newTestS3(t)

	_, err := store.Read(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist wrap, got %v", err)
	}
}

func TestS3ExistsAndDelete(t *testing.T) {
	store, _ := newTestS3(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "obj")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false before write")
	}

	w, _ := store.Write(ctx, "obj")
	io.WriteString(w, "x")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	ok, err = store.Exists(ctx, "obj")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true after write")
	}

	if err := store.Delete(ctx, "obj"); err != nil {
		t.Fatal(err)
	}
	ok, _ = store.Exists(ctx, "obj")
	if ok {
		t.Fatal("expected false after delete")
	}

	// Deleting a missing object is idempotent on S3.
	if err := store.Delete(ctx, "obj"); err != nil {
		t.Fatal(err)
	}
}

func TestS3WriteUploadError(t *testing.T) {
	store, mock := newTestS3(t)
	mock.putErr = &apiError{code: "AccessDenied", msg: "denied"}

	w, err := store.Write(context.Background(), "obj")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "payload")
	if err := w.Close(); err == nil {
		t.Fatal("expected upload error on Close")
	}
}

func TestS3Prefix(t *testing.T) {
	mock := newMockS3()
	store := NewS3(mock, "bucket", "memories/prod")
	ctx := context.Background()

	w, _ := store.Write(ctx, "index.snap")
	io.WriteString(w, "data")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	mock.mu.Lock()
	_, ok := mock.objects["memories/prod/index.snap"]
	mock.mu.Unlock()
	if !ok {
		t.Fatalf("object not stored under prefix: %v", keysOf(mock))
	}
}

func keysOf(m *mockS3) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}
