package cpuset_test

import (
	"testing"

	"github.com/bobuhiro11/gocell/cpuset"
	"github.com/google/go-cmp/cmp"
)

func TestSet(t *testing.T) {
	t.Parallel()

	s, err := cpuset.New(3, 0, 63)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint64{0, 3, 63}, s.IDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}

	if s.Len() != 3 || s.MaxID() != 63 {
		t.Fatalf("unexpected len %d / max %d", s.Len(), s.MaxID())
	}

	if !s.Contains(3) || s.Contains(4) || s.Contains(64) {
		t.Fatal("membership mismatch")
	}

	s = s.Remove(63).Add(5)
	if s.String() != "{0,3,5}" {
		t.Fatalf("unexpected %s", s)
	}

	o, _ := cpuset.New(5)
	if !s.Intersects(o) {
		t.Fatal("expected intersection")
	}
}

func TestSetOutOfRange(t *testing.T) {
	t.Parallel()

	if _, err := cpuset.New(64); err == nil {
		t.Fatal("expected error")
	}

	var empty cpuset.Set
	if empty.MaxID() != -1 {
		t.Fatalf("expected: -1, actual: %d", empty.MaxID())
	}
}
