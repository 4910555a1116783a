package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct", New(KindCorrupt, "data/ab12", base), KindCorrupt},
		{"wrapped once", fmt.Errorf("loading pack: %w", New(KindCorrupt, "data/ab12", base)), KindCorrupt},
		{"wrapped twice", fmt.Errorf("check: %w", fmt.Errorf("pack: %w", New(KindNotFound, "x", base))), KindNotFound},
		{"plain error", base, KindUnknown},
		{"nil cause", New(KindLocked, "locks/1", nil), KindLocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := New(KindCorrupt, "data/deadbeef", errors.New("trailing hash mismatch"))
	want := "corrupt: data/deadbeef — trailing hash mismatch"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPredicates(t *testing.T) {
	if !IsTransient(New(KindBackendTransient, "", errors.New("503"))) {
		t.Error("transient backend error not detected")
	}
	if !IsPermanent(New(KindBackendPermanent, "", errors.New("403"))) {
		t.Error("permanent backend error not detected")
	}
	if !IsPermanent(errors.New("unclassified")) {
		t.Error("unclassified errors must count as permanent")
	}
	if !IsAlreadyExists(New(KindAlreadyExists, "data/1", nil)) {
		t.Error("already-exists not detected")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{New(KindUsage, "", nil), ExitUsage},
		{New(KindAmbiguous, "a1b", nil), ExitUsage},
		{New(KindCorrupt, "data/x", nil), ExitCorrupt},
		{New(KindAuth, "", nil), ExitPermission},
		{New(KindBackendTransient, "", nil), ExitIO},
		{errors.New("misc"), ExitIO},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
