// Package merge reconciles a locally-evolved replica with a remotely-fetched
// one after an offline period.
//
// Rules: monotonic counters take max (completed work can never be undone);
// id-keyed history unions, preferring the local copy when both sides hold an
// id; last-active takes max; conflicting exclusive claims on the same scarce
// resource resolve earliest-grant-wins, and the rolled-back claim is the one
// merge branch with an externally visible side effect (a Conflict is
// returned for collaborator handling).
package merge

import "time"

// Entry is one id-keyed history item (a completed shift, a granted award).
type Entry struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Claim is an exclusive grant of a scarce allocation (a bunk, a shift slot).
type Claim struct {
	Resource  string    `json:"resource"`
	Holder    string    `json:"holder"`
	GrantedAt time.Time `json:"grantedAt"`
}

// Replica is the mergeable slice of domain state.
type Replica struct {
	Counters     map[string]int64 `json:"counters"`
	History      map[string]Entry `json:"history"`
	Claims       map[string]Claim `json:"claims"` // keyed by resource
	LastActiveAt time.Time        `json:"lastActiveAt"`
}

// Conflict reports a claim rolled back during merge.
type Conflict struct {
	Resource string
	Winner   Claim
	Loser    Claim
}

// Merge combines local and remote deterministically. Commutative and
// idempotent; for an id both sides hold, the local copy of the history entry
// is kept.
func Merge(local, remote Replica) (Replica, []Conflict) {
	out := Replica{
		Counters: make(map[string]int64),
		History:  make(map[string]Entry),
		Claims:   make(map[string]Claim),
	}

	// Monotonic counters: max. Such counts can never legitimately decrease.
	for k, v := range local.Counters {
		out.Counters[k] = v
	}
	for k, v := range remote.Counters {
		if v > out.Counters[k] {
			out.Counters[k] = v
		}
	}

	// History: id-based union, local copy preferred on both-present ids.
	for id, e := range remote.History {
		out.History[id] = e
	}
	for id, e := range local.History {
		out.History[id] = e
	}

	// Last active: max.
	out.LastActiveAt = local.LastActiveAt
	if remote.LastActiveAt.After(out.LastActiveAt) {
		out.LastActiveAt = remote.LastActiveAt
	}

	// Exclusive claims: earliest grant wins; equal timestamps break on the
	// lower holder id so the result is order-independent.
	var conflicts []Conflict
	for res, c := range local.Claims {
		out.Claims[res] = c
	}
	for res, rc := range remote.Claims {
		lc, ok := out.Claims[res]
		if !ok {
			out.Claims[res] = rc
			continue
		}
		if lc.Holder == rc.Holder && lc.GrantedAt.Equal(rc.GrantedAt) {
			continue // same claim on both sides
		}
		winner, loser := lc, rc
		if rc.GrantedAt.Before(lc.GrantedAt) ||
			(rc.GrantedAt.Equal(lc.GrantedAt) && rc.Holder < lc.Holder) {
			winner, loser = rc, lc
		}
		out.Claims[res] = winner
		conflicts = append(conflicts, Conflict{Resource: res, Winner: winner, Loser: loser})
	}
	return out, conflicts
}
