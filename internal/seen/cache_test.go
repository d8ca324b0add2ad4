package seen

import (
	"fmt"
	"testing"
)

func TestAddAndHas(t *testing.T) {
	c := New()
	if c.Has("abc") {
		t.Fatal("fresh cache should not have id")
	}
	if !c.Add("abc") {
		t.Fatal("first Add should return true (new)")
	}
	if !c.Has("abc") {
		t.Fatal("should have id after Add")
	}
	if c.Add("abc") {
		t.Fatal("second Add should return false (duplicate)")
	}
}

func TestFIFOEviction(t *testing.T) {
	c := NewWithCapacity(3)
	c.Add("a")
	c.Add("b")
	c.Add("c")
	c.Add("d") // evicts "a", the oldest inserted

	if c.Has("a") {
		t.Fatal("oldest entry should be evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if !c.Has(id) {
			t.Fatalf("%q should survive", id)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("len %d", c.Len())
	}
}

func TestEvictionOrderIsInsertion(t *testing.T) {
	c := NewWithCapacity(2)
	c.Add("a")
	c.Add("b")
	// Re-adding "a" is a duplicate, not a refresh: insertion order is fixed.
	c.Add("a")
	c.Add("c") // must evict "a", not "b"
	if c.Has("a") {
		t.Fatal("a should be evicted first")
	}
	if !c.Has("b") || !c.Has("c") {
		t.Fatal("b and c should remain")
	}
}

func TestCapacityBound(t *testing.T) {
	c := New()
	for i := 0; i < Capacity+250; i++ {
		c.Add(fmt.Sprintf("msg-%d", i))
	}
	if c.Len() != Capacity {
		t.Fatalf("len %d, want %d", c.Len(), Capacity)
	}
	// The most recent ids are all present.
	for i := Capacity + 249; i > Capacity; i-- {
		if !c.Has(fmt.Sprintf("msg-%d", i)) {
			t.Fatalf("recent id msg-%d missing", i)
		}
	}
	// The earliest ids were evicted.
	if c.Has("msg-0") {
		t.Fatal("msg-0 should be long gone")
	}
}
