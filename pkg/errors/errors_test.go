package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := E(KindChecksumMismatch, "digest %s does not match %s", "aa", "bb")
	if KindOf(err) != KindChecksumMismatch {
		t.Errorf("KindOf = %v, want checksum_mismatch", KindOf(err))
	}

	// Kind survives further wrapping.
	wrapped := Wrap(err, "update failed")
	if KindOf(wrapped) != KindChecksumMismatch {
		t.Errorf("KindOf through Wrap = %v, want checksum_mismatch", KindOf(wrapped))
	}
	wrapped = fmt.Errorf("outer: %w", wrapped)
	if KindOf(wrapped) != KindChecksumMismatch {
		t.Errorf("KindOf through fmt.Errorf = %v, want checksum_mismatch", KindOf(wrapped))
	}

	if KindOf(stderrors.New("plain")) != KindUnknown {
		t.Error("plain error should have unknown kind")
	}
}

func TestTransient(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindNetwork, true},
		{KindChecksumMismatch, true},
		{KindSizeMismatch, true},
		{KindLocked, true},
		{KindAuth, false},
		{KindNotFound, false},
		{KindNoSuitableDisk, false},
		{KindAlreadyPartitioned, false},
		{KindIO, false},
		{KindUnknown, false},
	}
	for _, tt := range cases {
		if got := Transient(E(tt.kind, "x")); got != tt.want {
			t.Errorf("Transient(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if EW(KindIO, nil, "context") != nil {
		t.Error("EW(nil) should be nil")
	}
}

func TestErrorString(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := EW(KindNetwork, cause, "fetching metadata")
	if err.Error() != "fetching metadata: connection reset" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Error("cause should be reachable via errors.Is")
	}
}
