package hashchain

import (
	"fmt"
	"strings"
	"testing"

	"github.com/greenmetric/carbonledger/common/models"
)

// TestHash_Deterministic verifies identical inputs always hash identically
func TestHash_Deterministic(t *testing.T) {
	snapshot := models.Snapshot{
		"classification.kind": "pump",
		"values.kg_per_kwh":   0.233,
		"version":             1,
	}
	prev := "sha256:abc"

	first := Hash("factors", 42, 1, snapshot, &prev)
	second := Hash("factors", 42, 1, snapshot, &prev)

	if first != second {
		t.Errorf("expected identical hashes, got %s and %s", first, second)
	}
	if !strings.HasPrefix(first, "sha256:") {
		t.Errorf("expected sha256: prefix, got %s", first)
	}
}

// TestHash_SensitiveToSnapshot verifies any single value change alters the hash
func TestHash_SensitiveToSnapshot(t *testing.T) {
	base := models.Snapshot{"a": 1, "b": "x"}
	mutated := models.Snapshot{"a": 1, "b": "y"}

	if Hash("jobs", 7, 3, base, nil) == Hash("jobs", 7, 3, mutated, nil) {
		t.Error("hash did not change when a snapshot value changed")
	}
}

// TestHash_SensitiveToEveryInput covers the remaining four inputs
func TestHash_SensitiveToEveryInput(t *testing.T) {
	snapshot := models.Snapshot{"a": 1}
	prev := "sha256:prev"
	base := Hash("factors", 1, 1, snapshot, nil)

	cases := map[string]string{
		"entity_type":   Hash("jobs", 1, 1, snapshot, nil),
		"entity_id":     Hash("factors", 2, 1, snapshot, nil),
		"version":       Hash("factors", 1, 2, snapshot, nil),
		"previous_hash": Hash("factors", 1, 1, snapshot, &prev),
	}

	for name, got := range cases {
		if got == base {
			t.Errorf("changing %s did not change the hash", name)
		}
	}
}

// TestHash_KeyOrderIndependent verifies map iteration order cannot leak in
func TestHash_KeyOrderIndependent(t *testing.T) {
	// Build the same logical snapshot twice with different insertion order
	first := models.Snapshot{}
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		first[key] = key
	}
	second := models.Snapshot{}
	for _, key := range []string{"e", "d", "c", "b", "a"} {
		second[key] = key
	}

	if Hash("factors", 1, 1, first, nil) != Hash("factors", 1, 1, second, nil) {
		t.Error("hash depends on map insertion order")
	}
}

// TestCanonicalize_NumberFormatting checks integral floats collapse to ints
// so a JSON round-trip does not change the canonical form
func TestCanonicalize_NumberFormatting(t *testing.T) {
	asInt := Canonicalize(models.Snapshot{"n": 2})
	asFloat := Canonicalize(models.Snapshot{"n": 2.0})

	if asInt != asFloat {
		t.Errorf("2 and 2.0 canonicalize differently: %s vs %s", asInt, asFloat)
	}

	fractional := Canonicalize(models.Snapshot{"n": 0.233})
	if !strings.Contains(fractional, "0.233") {
		t.Errorf("unexpected fractional rendering: %s", fractional)
	}
}

// TestDiff_Partition checks the added/removed/changed partition from the contract
func TestDiff_Partition(t *testing.T) {
	old := models.Snapshot{"a": 1, "b": 2}
	updated := models.Snapshot{"b": 3, "c": 4}

	diff := Diff(old, updated)
	if diff == nil {
		t.Fatal("expected a diff")
	}

	if len(diff.Added) != 1 || diff.Added["c"] != 4 {
		t.Errorf("expected added {c:4}, got %v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed["a"] != 1 {
		t.Errorf("expected removed {a:1}, got %v", diff.Removed)
	}
	if len(diff.Changed) != 1 {
		t.Fatalf("expected one changed key, got %v", diff.Changed)
	}
	change := diff.Changed["b"]
	if change.Old != 2 || change.New != 3 {
		t.Errorf("expected b {old:2,new:3}, got %+v", change)
	}
}

// TestDiff_NoDoubleCounting ensures a key is never both changed and added/removed
func TestDiff_NoDoubleCounting(t *testing.T) {
	diff := Diff(models.Snapshot{"a": 1}, models.Snapshot{"a": 2})
	if diff == nil {
		t.Fatal("expected a diff")
	}
	if _, inAdded := diff.Added["a"]; inAdded {
		t.Error("changed key reported as added")
	}
	if _, inRemoved := diff.Removed["a"]; inRemoved {
		t.Error("changed key reported as removed")
	}
}

// TestDiff_NilCases covers first-version and no-op snapshots
func TestDiff_NilCases(t *testing.T) {
	if diff := Diff(nil, models.Snapshot{"a": 1}); diff != nil {
		t.Errorf("expected nil diff for first version, got %+v", diff)
	}

	same := models.Snapshot{"a": 1, "b": "x"}
	if diff := Diff(same, models.Snapshot{"a": 1, "b": "x"}); diff != nil {
		t.Errorf("expected nil diff for equal snapshots, got %+v", diff)
	}
}

// TestDiff_NestedValues checks one level of key-based diffing over nested values
func TestDiff_NestedValues(t *testing.T) {
	old := models.Snapshot{"meta": map[string]any{"site": "plant-a"}}
	updated := models.Snapshot{"meta": map[string]any{"site": "plant-b"}}

	diff := Diff(old, updated)
	if diff == nil {
		t.Fatal("expected a diff")
	}
	if _, ok := diff.Changed["meta"]; !ok {
		t.Errorf("expected meta reported as changed, got %+v", diff)
	}
}

// benchSnapshot approximates a real factor snapshot: a handful of scalar
// fields plus nested classification and values maps
func benchSnapshot(width int) models.Snapshot {
	values := map[string]any{}
	for i := 0; i < width; i++ {
		values[fmt.Sprintf("metric_%02d", i)] = float64(i) * 0.233
	}
	return models.Snapshot{
		"classification": map[string]any{
			"kind":    "electricity",
			"subkind": "grid",
			"region":  "GB",
		},
		"values":     values,
		"version":    3,
		"created_by": "benchmark",
	}
}

func BenchmarkCanonicalize(b *testing.B) {
	snapshot := benchSnapshot(16)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Canonicalize(snapshot)
	}
}

func BenchmarkHash(b *testing.B) {
	snapshot := benchSnapshot(16)
	prev := "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Hash("factors", 42, 3, snapshot, &prev)
	}
}

func BenchmarkDiff(b *testing.B) {
	old := benchSnapshot(16)
	updated := benchSnapshot(16)
	updated["version"] = 4
	updated["extra"] = "added"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		Diff(old, updated)
	}
}
