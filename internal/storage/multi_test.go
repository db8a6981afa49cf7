package storage

import (
	"errors"
	"testing"

	"miel/internal/recorder"
)

type recordingSink struct {
	appended int
	failWith error
}

func (r *recordingSink) Append(recorder.Artifact) error {
	r.appended++
	return r.failWith
}

func TestMultiAppendsToEverySink(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := Multi(a, b)

	if err := m.Append(recorder.Artifact{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if a.appended != 1 || b.appended != 1 {
		t.Errorf("a.appended=%d b.appended=%d, want 1,1", a.appended, b.appended)
	}
}

func TestMultiStillAppendsToLaterSinksAfterEarlierFailure(t *testing.T) {
	a := &recordingSink{failWith: errors.New("first sink down")}
	b := &recordingSink{}
	m := Multi(a, b)

	err := m.Append(recorder.Artifact{})
	if err == nil {
		t.Fatal("expected error from first sink")
	}
	if b.appended != 1 {
		t.Errorf("second sink appended = %d, want 1 (must still run)", b.appended)
	}
}
