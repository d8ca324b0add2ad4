package merge

import (
	"reflect"
	"testing"
	"time"
)

var (
	t0 = time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func sampleA() Replica {
	return Replica{
		Counters: map[string]int64{"completed": 5, "noShow": 1},
		History: map[string]Entry{
			"h1": {ID: "h1", Kind: "shift", RecordedAt: t0},
			"h2": {ID: "h2", Kind: "shift", RecordedAt: t1},
		},
		Claims:       map[string]Claim{"bunk-12": {Resource: "bunk-12", Holder: "u1", GrantedAt: t0}},
		LastActiveAt: t1,
	}
}

func sampleB() Replica {
	return Replica{
		Counters: map[string]int64{"completed": 3, "noShow": 4},
		History: map[string]Entry{
			"h2": {ID: "h2", Kind: "shift", RecordedAt: t1},
			"h3": {ID: "h3", Kind: "award", RecordedAt: t2},
		},
		Claims:       map[string]Claim{"bunk-12": {Resource: "bunk-12", Holder: "u2", GrantedAt: t1}},
		LastActiveAt: t2,
	}
}

func TestCountersTakeMax(t *testing.T) {
	got, _ := Merge(sampleA(), sampleB())
	if got.Counters["completed"] != 5 || got.Counters["noShow"] != 4 {
		t.Fatalf("counters %v", got.Counters)
	}
}

func TestCounterMonotonicity(t *testing.T) {
	a, b := sampleA(), sampleB()
	got, _ := Merge(a, b)
	for k := range got.Counters {
		if got.Counters[k] < a.Counters[k] || got.Counters[k] < b.Counters[k] {
			t.Fatalf("counter %s regressed: %d", k, got.Counters[k])
		}
	}
}

func TestHistoryUnion(t *testing.T) {
	got, _ := Merge(sampleA(), sampleB())
	for _, id := range []string{"h1", "h2", "h3"} {
		if _, ok := got.History[id]; !ok {
			t.Fatalf("history missing %s", id)
		}
	}
}

func TestHistoryPrefersLocalCopy(t *testing.T) {
	a, b := sampleA(), sampleB()
	a.History["h2"] = Entry{ID: "h2", Kind: "shift", Note: "local annotation", RecordedAt: t1}
	got, _ := Merge(a, b)
	if got.History["h2"].Note != "local annotation" {
		t.Fatalf("got %+v", got.History["h2"])
	}
}

func TestLastActiveTakesMax(t *testing.T) {
	got, _ := Merge(sampleA(), sampleB())
	if !got.LastActiveAt.Equal(t2) {
		t.Fatalf("lastActive %v", got.LastActiveAt)
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := sampleA()
	got, conflicts := Merge(a, a)
	if len(conflicts) != 0 {
		t.Fatalf("self-merge raised conflicts: %v", conflicts)
	}
	if !reflect.DeepEqual(got, a) {
		t.Fatalf("merge(a,a) != a:\n%+v\n%+v", got, a)
	}
}

func TestMergeCommutative(t *testing.T) {
	a, b := sampleA(), sampleB()
	ab, _ := Merge(a, b)
	ba, _ := Merge(b, a)
	if !reflect.DeepEqual(ab, ba) {
		t.Fatalf("merge not commutative:\n%+v\n%+v", ab, ba)
	}
}

func TestClaimConflictEarliestWins(t *testing.T) {
	a, b := sampleA(), sampleB()
	got, conflicts := Merge(a, b)

	if got.Claims["bunk-12"].Holder != "u1" {
		t.Fatalf("winner %+v", got.Claims["bunk-12"])
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts %v", conflicts)
	}
	c := conflicts[0]
	if c.Resource != "bunk-12" || c.Loser.Holder != "u2" || c.Winner.Holder != "u1" {
		t.Fatalf("conflict %+v", c)
	}
}

func TestClaimTieBreaksOnHolderID(t *testing.T) {
	a, b := sampleA(), sampleB()
	b.Claims["bunk-12"] = Claim{Resource: "bunk-12", Holder: "u2", GrantedAt: t0} // same instant as u1
	ab, _ := Merge(a, b)
	ba, _ := Merge(b, a)
	if ab.Claims["bunk-12"].Holder != "u1" || ba.Claims["bunk-12"].Holder != "u1" {
		t.Fatalf("tie-break not deterministic: %+v vs %+v", ab.Claims["bunk-12"], ba.Claims["bunk-12"])
	}
}

func TestDisjointClaimsNoConflict(t *testing.T) {
	a, b := sampleA(), sampleB()
	delete(b.Claims, "bunk-12")
	b.Claims["bunk-13"] = Claim{Resource: "bunk-13", Holder: "u2", GrantedAt: t1}
	got, conflicts := Merge(a, b)
	if len(conflicts) != 0 {
		t.Fatalf("conflicts %v", conflicts)
	}
	if len(got.Claims) != 2 {
		t.Fatalf("claims %v", got.Claims)
	}
}
