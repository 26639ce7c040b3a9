package capacity

import (
	"errors"
	"testing"
)

func TestCheckAdmitsWithinLimits(t *testing.T) {
	l := DefaultLimits()

	for i := 0; i < DefaultMaxFiles; i++ {
		if d := l.Check(i, 1<<20); d != Admit {
			t.Fatalf("file %d: expected admit, got %s", i+1, d)
		}
	}
}

func TestCheckRejectsQuota(t *testing.T) {
	l := Limits{MaxFileSize: 100, MaxFiles: 5}

	d := l.Check(5, 1)
	if d != RejectQuotaExceeded {
		t.Fatalf("expected quota rejection, got %s", d)
	}
	if !errors.Is(d.Err(), ErrFileQuotaExceeded) {
		t.Errorf("expected ErrFileQuotaExceeded, got %v", d.Err())
	}
}

func TestCheckRejectsTooLarge(t *testing.T) {
	l := DefaultLimits()

	d := l.Check(0, 25<<20)
	if d != RejectTooLarge {
		t.Fatalf("expected too-large rejection, got %s", d)
	}
	if !errors.Is(d.Err(), ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", d.Err())
	}
}

func TestCheckSizeBeforeQuota(t *testing.T) {
	l := Limits{MaxFileSize: 10, MaxFiles: 1}

	if d := l.Check(1, 11); d != RejectTooLarge {
		t.Errorf("expected size to be checked first, got %s", d)
	}
}

func TestCheckExactLimitAdmitted(t *testing.T) {
	l := Limits{MaxFileSize: 10, MaxFiles: 1}

	if d := l.Check(0, 10); d != Admit {
		t.Errorf("file at exactly the size limit should be admitted, got %s", d)
	}
}

func TestCheckUnlimited(t *testing.T) {
	var l Limits

	if d := l.Check(1000, 1<<40); d != Admit {
		t.Errorf("zero limits should be unlimited, got %s", d)
	}
}

func TestAdmitHasNoError(t *testing.T) {
	if Admit.Err() != nil {
		t.Errorf("expected nil error for admit, got %v", Admit.Err())
	}
}
