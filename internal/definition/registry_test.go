package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/docket/model"
)

func testTemplates() []model.WorkflowTemplate {
	return []model.WorkflowTemplate{
		{ID: "t-emp-1", Key: "employment_dispute", Version: 1, IsActive: true, Checksum: "abc123"},
		{ID: "t-emp-3", Key: "employment_dispute", Version: 3, IsActive: false, Checksum: "ghi789"},
		{ID: "t-emp-2", Key: "employment_dispute", Version: 2, IsActive: true, Checksum: "def456"},
		{ID: "t-conv-1", Key: "conveyancing", Version: 1, IsActive: true, Checksum: "jkl012"},
	}
}

func TestRegistry_empty(t *testing.T) {
	r := NewRegistry()
	if r.Loaded() {
		t.Error("Loaded() = true before Replace")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	if len(r.All()) != 0 {
		t.Error("All() on empty registry should be empty")
	}

	r.Replace(nil)
	if !r.Loaded() {
		t.Error("Loaded() = false after Replace with no templates")
	}
}

func TestRegistry_All_ordered(t *testing.T) {
	r := NewRegistry()
	r.Replace(testTemplates())

	all := r.All()
	if len(all) != 4 {
		t.Fatalf("All() returned %d, want 4", len(all))
	}
	want := []string{"t-conv-1", "t-emp-1", "t-emp-2", "t-emp-3"}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("All()[%d] = %q, want %q", i, all[i].ID, id)
		}
	}
}

func TestRegistry_Checksum(t *testing.T) {
	r := NewRegistry()
	r.Replace(testTemplates())
	cs := r.Checksum()
	if cs == "" {
		t.Error("Checksum should not be empty")
	}

	reordered := testTemplates()
	reordered[0], reordered[3] = reordered[3], reordered[0]
	r2 := NewRegistry()
	r2.Replace(reordered)
	if r2.Checksum() != cs {
		t.Error("Checksum should not depend on template order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry()
	r.Replace(testTemplates())

	if r.Len() != 4 {
		t.Fatalf("before replace: Len() = %d, want 4", r.Len())
	}
	before := r.Checksum()

	r.Replace([]model.WorkflowTemplate{{ID: "t-probate-1", Key: "probate", Version: 1, IsActive: true, Checksum: "mno345"}})

	all := r.All()
	if len(all) != 1 || all[0].ID != "t-probate-1" {
		t.Errorf("after replace: All() = %+v, want only t-probate-1", all)
	}
	if r.Checksum() == before {
		t.Error("after replace: checksum should change")
	}
}

func TestRegistry_concurrent_reads(t *testing.T) {
	r := NewRegistry()
	r.Replace(testTemplates())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := len(r.All()); got != 4 {
				t.Errorf("concurrent All() returned %d, want 4", got)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Replace(testTemplates())
	}()
	wg.Wait()
}
