package interaction

import (
	"testing"
)

func TestNewRejectsMisalignedColumns(t *testing.T) {
	_, err := New(
		map[string][]float64{FieldLabel: {1, 0, 1}},
		map[string][]int64{FieldUser: {1, 2}},
	)
	if err == nil {
		t.Fatal("expected error for misaligned columns")
	}
}

func TestNewRejectsEmptyBatch(t *testing.T) {
	_, err := New(nil, nil)
	if err == nil {
		t.Fatal("expected error for batch with no columns")
	}
}

func TestSlice(t *testing.T) {
	b, err := New(
		map[string][]float64{FieldLabel: {0, 1, 0, 1}},
		map[string][]int64{FieldItem: {10, 11, 12, 13}},
	)
	if err != nil {
		t.Fatal(err)
	}

	sub, err := b.Slice(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Len() != 2 {
		t.Errorf("Len() = %d, want 2", sub.Len())
	}
	items := sub.Ints(FieldItem)
	if items[0] != 11 || items[1] != 12 {
		t.Errorf("Ints(item_id) = %v, want [11 12]", items)
	}

	if _, err := b.Slice(2, 1); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := b.Slice(0, 5); err == nil {
		t.Error("expected error for range past end")
	}
}

func TestRepeatInterleave(t *testing.T) {
	b, err := New(nil, map[string][]int64{FieldUser: {7, 8}})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := b.RepeatInterleave(3)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", rep.Len())
	}
	want := []int64{7, 7, 7, 8, 8, 8}
	got := rep.Ints(FieldUser)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ints(user_id) = %v, want %v", got, want)
		}
	}
}

func TestWithInts(t *testing.T) {
	b, err := New(nil, map[string][]int64{FieldUser: {1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	b2, err := b.WithInts(FieldItem, []int64{5, 6})
	if err != nil {
		t.Fatal(err)
	}
	if b.HasField(FieldItem) {
		t.Error("source batch gained a column")
	}
	if got := b2.Ints(FieldItem); got[1] != 6 {
		t.Errorf("Ints(item_id)[1] = %d, want 6", got[1])
	}
	if _, err := b.WithInts(FieldItem, []int64{5}); err == nil {
		t.Error("expected error for short column")
	}
}
