package review

import (
	"testing"

	"permitdesk/api/internal/store"
)

func TestNegativeLabel(t *testing.T) {
	cases := []struct {
		role    int
		label   Label
		allowed bool
	}{
		{1, LabelNone, false},
		{2, LabelNone, false},
		{3, LabelDiscard, true},
		{4, LabelDiscard, true},
		{5, LabelNone, false},
		{6, LabelReject, true},
		{7, LabelReject, true},
		{99, LabelReject, true},
	}
	for _, tc := range cases {
		label, allowed := NegativeLabel(tc.role)
		if label != tc.label || allowed != tc.allowed {
			t.Errorf("role %d: got (%q, %v), want (%q, %v)", tc.role, label, allowed, tc.label, tc.allowed)
		}
	}
}

func TestCanReview(t *testing.T) {
	for role, want := range map[int]bool{1: false, 2: false, 3: true, 5: true, 99: true} {
		if got := CanReview(role); got != want {
			t.Errorf("role %d: got %v, want %v", role, got, want)
		}
	}
}

func TestCanEmitLicense(t *testing.T) {
	approved := store.ResolutionApproved
	rejected := store.ResolutionRejected
	if !CanEmitLicense(99, 99, &approved) {
		t.Error("director with approved review should emit")
	}
	if CanEmitLicense(6, 99, &approved) {
		t.Error("non-director must not emit")
	}
	if CanEmitLicense(99, 99, &rejected) {
		t.Error("rejected director review must not emit")
	}
	if CanEmitLicense(99, 99, nil) {
		t.Error("pending director review must not emit")
	}
}
