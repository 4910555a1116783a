package backend

import (
	"context"
	"testing"

	"github.com/cofferhq/coffer/pkg/errdefs"
)

func TestHandleKey(t *testing.T) {
	tests := []struct {
		h    Handle
		want string
	}{
		{Handle{Type: ConfigFile}, "config"},
		{Handle{Type: PackFile, Name: "a1b2"}, "data/a1b2"},
		{Handle{Type: IndexFile, Name: "ff"}, "index/ff"},
		{Handle{Type: SnapshotFile, Name: "00"}, "snapshots/00"},
		{Handle{Type: KeyFile, Name: "k"}, "keys/k"},
		{Handle{Type: LockFile, Name: "l"}, "locks/l"},
	}
	for _, tt := range tests {
		if got := tt.h.Key(); got != tt.want {
			t.Errorf("Key() = %q, want %q", got, tt.want)
		}
	}
}

func TestHandleValid(t *testing.T) {
	if !(Handle{Type: ConfigFile}).Valid() {
		t.Error("config handle without name should be valid")
	}
	if (Handle{Type: ConfigFile, Name: "x"}).Valid() {
		t.Error("config handle with name should be invalid")
	}
	if (Handle{Type: PackFile}).Valid() {
		t.Error("pack handle without name should be invalid")
	}
}

func TestMemPutIfAbsentRace(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	h := Handle{Type: PackFile, Name: "p1"}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- m.PutIfAbsent(ctx, h, []byte("same bytes"))
		}()
	}

	var wins, losses int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case errdefs.IsAlreadyExists(err):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Errorf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}
}

func TestMemGetRangeBounds(t *testing.T) {
	ctx := context.Background()
	m := NewMem()
	h := Handle{Type: PackFile, Name: "p"}
	if err := m.Put(ctx, h, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetRange(ctx, h, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3456" {
		t.Errorf("GetRange = %q, want 3456", got)
	}
	if _, err := m.GetRange(ctx, h, 8, 5); err == nil {
		t.Error("out-of-bounds range succeeded")
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in         string
		wantScheme Scheme
		wantPath   string
		wantErr    bool
	}{
		{"local:/var/repo", SchemeLocal, "/var/repo", false},
		{"/var/repo", SchemeLocal, "/var/repo", false},
		{"relative/dir", SchemeLocal, "relative/dir", false},
		{"s3:s3.example.com/bucket/pfx", SchemeS3, "s3.example.com/bucket/pfx", false},
		{"s3:no-bucket", SchemeS3, "", true},
		{"azure:container/pfx", SchemeAzure, "container/pfx", false},
		{"azure:", SchemeAzure, "", true},
		{"mem:", SchemeMem, "", false},
		{"", SchemeLocal, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			loc, err := ParseLocation(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseLocation(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if loc.Scheme != tt.wantScheme || loc.Path != tt.wantPath {
				t.Errorf("ParseLocation(%q) = %+v", tt.in, loc)
			}
		})
	}
}

func TestS3Parts(t *testing.T) {
	loc, err := ParseLocation("s3:minio.local:9000/backups/team/repo")
	if err != nil {
		t.Fatal(err)
	}
	endpoint, bucket, prefix := loc.S3Parts()
	if endpoint != "minio.local:9000" || bucket != "backups" || prefix != "team/repo" {
		t.Errorf("S3Parts = %q %q %q", endpoint, bucket, prefix)
	}
}
