package seq

import (
	"reflect"
	"testing"
)

func TestGroupBy(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	groups := GroupBy(items, func(i int) string {
		if i%2 == 0 {
			return "even"
		}
		return "odd"
	})
	if !reflect.DeepEqual(groups["even"], []int{2, 4, 6}) {
		t.Fatalf("unexpected even group: %v", groups["even"])
	}
	if !reflect.DeepEqual(groups["odd"], []int{1, 3, 5}) {
		t.Fatalf("unexpected odd group: %v", groups["odd"])
	}
}

func TestChunk(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	chunks := Chunk(items, 2)
	want := [][]int{{1, 2}, {3, 4}, {5}}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("expected %v, got %v", want, chunks)
	}
}

func TestChunk_Empty(t *testing.T) {
	if chunks := Chunk[int](nil, 3); chunks != nil {
		t.Fatalf("expected nil for an empty input, got %v", chunks)
	}
}

func TestChunk_PanicsOnNonPositiveSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for size <= 0")
		}
	}()
	Chunk([]int{1}, 0)
}

func TestSortBy_DoesNotMutateInput(t *testing.T) {
	items := []int{3, 1, 2}
	sorted := SortBy(items, func(a, b int) bool { return a < b })
	if !reflect.DeepEqual(sorted, []int{1, 2, 3}) {
		t.Fatalf("unexpected sorted result: %v", sorted)
	}
	if !reflect.DeepEqual(items, []int{3, 1, 2}) {
		t.Fatalf("expected the original slice untouched, got %v", items)
	}
}

func TestSortBy_StableOnTies(t *testing.T) {
	type pair struct {
		key   int
		order int
	}
	items := []pair{{1, 0}, {1, 1}, {0, 2}}
	sorted := SortBy(items, func(a, b pair) bool { return a.key < b.key })
	want := []pair{{0, 2}, {1, 0}, {1, 1}}
	if !reflect.DeepEqual(sorted, want) {
		t.Fatalf("expected stable tie order %v, got %v", want, sorted)
	}
}

func TestRank_CompetitionStyle(t *testing.T) {
	scores := []int{50, 70, 70, 20}
	ranks := Rank(scores, func(a, b int) bool { return a > b }, func(i int) int { return i })
	want := []int{3, 1, 1, 4}
	if !reflect.DeepEqual(ranks, want) {
		t.Fatalf("expected competition ranking %v, got %v", want, ranks)
	}
}

func TestRank_Empty(t *testing.T) {
	if r := Rank[int, int](nil, func(a, b int) bool { return a < b }, func(i int) int { return i }); r != nil {
		t.Fatalf("expected nil ranks for empty input, got %v", r)
	}
}
