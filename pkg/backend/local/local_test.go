package local

import (
	"bytes"
	"context"
	"testing"

	"github.com/cofferhq/coffer/pkg/backend"
	"github.com/cofferhq/coffer/pkg/errdefs"
)

func newTestBackend(t *testing.T) *Local {
	t.Helper()
	l := New(t.TempDir())
	if err := l.Create(); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)
	h := backend.Handle{Type: backend.PackFile, Name: "0123abcd"}

	data := []byte("pack bytes")
	if err := l.Put(ctx, h, data); err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)
	h := backend.Handle{Type: backend.PackFile, Name: "aa"}

	if err := l.PutIfAbsent(ctx, h, []byte("first")); err != nil {
		t.Fatal(err)
	}
	err := l.PutIfAbsent(ctx, h, []byte("second"))
	if !errdefs.IsAlreadyExists(err) {
		t.Fatalf("second PutIfAbsent = %v, want already exists", err)
	}

	// The first write must be untouched.
	got, err := l.Get(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first" {
		t.Errorf("object overwritten: %q", got)
	}
}

func TestGetRange(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)
	h := backend.Handle{Type: backend.PackFile, Name: "bb"}
	if err := l.Put(ctx, h, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		offset  int64
		length  int
		want    string
		wantErr bool
	}{
		{"middle", 2, 4, "2345", false},
		{"start", 0, 1, "0", false},
		{"tail", 9, 1, "9", false},
		{"whole", 0, 10, "0123456789", false},
		{"past end", 8, 5, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.GetRange(ctx, h, tt.offset, tt.length)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("GetRange succeeded with %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("GetRange = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)
	_, err := l.Get(ctx, backend.Handle{Type: backend.SnapshotFile, Name: "nope"})
	if !errdefs.IsNotFound(err) {
		t.Errorf("Get missing = %v, want not found", err)
	}
}

func TestListSortedAndScoped(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)

	for _, name := range []string{"cc", "aa", "bb"} {
		if err := l.Put(ctx, backend.Handle{Type: backend.IndexFile, Name: name}, []byte(name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Put(ctx, backend.Handle{Type: backend.PackFile, Name: "zz"}, []byte("x")); err != nil {
		t.Fatal(err)
	}

	var got []string
	err := l.List(ctx, backend.IndexFile, func(name string, size int64) error {
		got = append(got, name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"aa", "bb", "cc"}
	if len(got) != len(want) {
		t.Fatalf("List returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List returned %v, want %v", got, want)
		}
	}
}

func TestDeleteAndExists(t *testing.T) {
	ctx := context.Background()
	l := newTestBackend(t)
	h := backend.Handle{Type: backend.LockFile, Name: "l1"}

	if err := l.Put(ctx, h, []byte("{}")); err != nil {
		t.Fatal(err)
	}
	ok, err := l.Exists(ctx, h)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true", ok, err)
	}
	if err := l.Delete(ctx, h); err != nil {
		t.Fatal(err)
	}
	ok, err = l.Exists(ctx, h)
	if err != nil || ok {
		t.Fatalf("Exists after delete = %v, %v; want false", ok, err)
	}
	if err := l.Delete(ctx, h); !errdefs.IsNotFound(err) {
		t.Errorf("Delete missing = %v, want not found", err)
	}
}

func TestCancelledContext(t *testing.T) {
	l := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Put(ctx, backend.Handle{Type: backend.PackFile, Name: "x"}, []byte("y"))
	if !errdefs.IsCancelled(err) {
		t.Errorf("Put with cancelled ctx = %v, want cancelled", err)
	}
}
