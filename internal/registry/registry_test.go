package registry

import (
	"fmt"
	"sync"
	"testing"
)

func TestJoinLeaveCount(t *testing.T) {
	r := New()

	if n := r.Join("c1", "Owl #1"); n != 1 {
		t.Fatalf("count after first join = %d, want 1", n)
	}
	if n := r.Join("c2", "Owl #2"); n != 2 {
		t.Fatalf("count after second join = %d, want 2", n)
	}
	n, ok := r.Leave("c1")
	if !ok || n != 1 {
		t.Fatalf("Leave(c1) = %d, %v; want 1, true", n, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	n, ok = r.Leave("c1")
	if ok || n != 1 {
		t.Fatalf("second Leave(c1) = %d, %v; want 1, false", n, ok)
	}
}

func TestJoinTwiceKeepsOneRecord(t *testing.T) {
	r := New()
	r.Join("c1", "a")
	if n := r.Join("c1", "b"); n != 1 {
		t.Fatalf("rejoin count = %d, want 1", n)
	}
	rec, _ := r.Lookup("c1")
	if rec.DisplayName != "b" {
		t.Errorf("DisplayName = %q, want b", rec.DisplayName)
	}
}

func TestRename(t *testing.T) {
	r := New()
	r.Join("c1", "Fox #12")

	if !r.Rename("c1", "Fox #13") {
		t.Fatal("Rename of known id returned false")
	}
	rec, ok := r.Lookup("c1")
	if !ok || rec.DisplayName != "Fox #13" {
		t.Errorf("Lookup after rename = %+v, %v", rec, ok)
	}

	if r.Rename("ghost", "x") {
		t.Error("Rename of unknown id returned true")
	}
	if r.Count() != 1 {
		t.Errorf("Rename changed count to %d", r.Count())
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			r.Join(id, id)
			if i%2 == 0 {
				r.Leave(id)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 50 {
		t.Errorf("Count() = %d, want 50", r.Count())
	}
}
