package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pcdshub/atef/check"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetRun(t *testing.T) {
	s := testStore(t)

	r := &RunRecord{
		ID:       "run-1",
		File:     "lfe.yaml",
		Time:     time.Now().Round(time.Millisecond),
		Severity: check.Warning,
		Reason:   "motor1.position: 12 is not equal to 10",
		Result: &check.Result{
			Severity: check.Warning,
			Children: []*check.Result{
				{Severity: check.Success},
				{Severity: check.Warning, Reason: "motor1.position: 12 is not equal to 10"},
			},
		},
	}
	if err := s.SaveRun(r); err != nil {
		t.Fatal(err)
	}

	back, err := s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if back == nil {
		t.Fatal("record lost")
	}
	if back.Severity != check.Warning || back.File != "lfe.yaml" {
		t.Fatalf("got %#v", back)
	}
	if len(back.Result.Children) != 2 {
		t.Fatalf("result tree lost: %#v", back.Result)
	}

	if missing, err := s.GetRun("nope"); err != nil || missing != nil {
		t.Fatalf("got %#v, %v", missing, err)
	}
}

func TestSaveRunWantsAnID(t *testing.T) {
	s := testStore(t)
	if err := s.SaveRun(&RunRecord{}); err == nil {
		t.Fatal("wanted an error")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := testStore(t)

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		err := s.SaveRun(&RunRecord{
			ID:       id,
			Time:     base.Add(time.Duration(i) * time.Minute),
			Severity: check.Success,
			Result:   &check.Result{Severity: check.Success},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rs, err := s.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 3 {
		t.Fatalf("got %d records", len(rs))
	}
	for i, want := range []string{"c", "b", "a"} {
		if rs[i].ID != want {
			t.Fatalf("record %d: got %s", i, rs[i].ID)
		}
	}
}
