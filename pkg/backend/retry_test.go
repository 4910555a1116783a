package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cofferhq/coffer/pkg/errdefs"
)

// flaky wraps Mem and fails the first n Get calls with a transient error.
type flaky struct {
	*Mem
	failures int
	calls    int
}

func (f *flaky) Get(ctx context.Context, h Handle) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errdefs.New(errdefs.KindBackendTransient, h.Key(), errors.New("throttled"))
	}
	return f.Mem.Get(ctx, h)
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Mem: NewMem(), failures: 3}
	h := Handle{Type: IndexFile, Name: "i1"}
	if err := f.Mem.Put(ctx, h, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	r := NewRetry(f, fastRetryConfig())
	got, err := r.Get(ctx, h)
	if err != nil {
		t.Fatalf("Get through retry failed: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get = %q", got)
	}
	if f.calls != 4 {
		t.Errorf("calls = %d, want 4 (3 failures + success)", f.calls)
	}
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Mem: NewMem(), failures: 1000}
	h := Handle{Type: IndexFile, Name: "i1"}
	_ = f.Mem.Put(ctx, h, []byte("payload"))

	r := NewRetry(f, fastRetryConfig())
	_, err := r.Get(ctx, h)
	if !errdefs.IsTransient(err) {
		t.Fatalf("exhausted retries = %v, want transient surfaced", err)
	}
	if f.calls > 7 {
		t.Errorf("calls = %d, retry budget not bounded", f.calls)
	}
}

func TestRetryDoesNotRetryPermanent(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	r := NewRetry(m, fastRetryConfig())

	_, err := r.Get(ctx, Handle{Type: PackFile, Name: "missing"})
	if !errdefs.IsNotFound(err) {
		t.Fatalf("Get missing = %v, want not found", err)
	}

	h := Handle{Type: PackFile, Name: "p"}
	if err := r.PutIfAbsent(ctx, h, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := r.PutIfAbsent(ctx, h, []byte("b")); !errdefs.IsAlreadyExists(err) {
		t.Fatalf("duplicate PutIfAbsent = %v, want already exists", err)
	}
}
