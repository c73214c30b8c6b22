package clock

import (
	"math/rand"
	"testing"
)

func TestVersionVectorMax(t *testing.T) {
	a := VersionVector{actorA: 2, actorB: 1}
	b := VersionVector{actorA: 1, actorB: 3}

	merged := a.Max(b)
	if merged[actorA] != 2 || merged[actorB] != 3 {
		t.Fatalf("expected {a:2, b:3}, got %v", merged)
	}
	// originals unchanged
	if a[actorB] != 1 || b[actorA] != 1 {
		t.Fatal("Max mutated an operand")
	}
}

func TestVersionVectorMaxLaws(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	actors := []ActorID{actorA, actorB, MaxActorID}
	gen := func() VersionVector {
		v := NewVersionVector()
		for _, a := range actors {
			if r.Intn(2) == 0 {
				v.Set(a, r.Int63n(10))
			}
		}
		return v
	}
	for i := 0; i < 500; i++ {
		v, w := gen(), gen()
		if !v.Max(w).Equal(w.Max(v)) {
			t.Fatalf("Max not commutative: %v, %v", v, w)
		}
		if !v.Max(v).Equal(v) {
			t.Fatalf("Max not idempotent: %v", v)
		}
	}
}

func TestVersionVectorMin(t *testing.T) {
	a := VersionVector{actorA: 2, actorB: 5}
	b := VersionVector{actorA: 4, actorB: 3, MaxActorID: 1}
	got := a.Min(b)
	want := VersionVector{actorA: 2, actorB: 3}
	if !got.Equal(want) {
		t.Fatalf("Min: got %v, want %v", got, want)
	}
}

func TestVersionVectorAfterOrEqual(t *testing.T) {
	v := VersionVector{actorA: 5}
	cases := []struct {
		name   string
		ticket Ticket
		want   bool
	}{
		{"lower", NewTicket(4, 1, actorA), true},
		{"equal", NewTicket(5, 9, actorA), true},
		{"higher", NewTicket(6, 0, actorA), false},
		{"unknown actor", NewTicket(1, 0, actorB), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := v.AfterOrEqual(tc.ticket); got != tc.want {
				t.Fatalf("AfterOrEqual(%s) = %v, want %v", tc.ticket, got, tc.want)
			}
		})
	}
}

func TestVersionVectorFilterAndMaxLamport(t *testing.T) {
	v := VersionVector{actorA: 3, actorB: 7, MaxActorID: 1}
	f := v.Filter([]ActorID{actorA, InitialActorID})
	if f.Len() != 1 || f[actorA] != 3 {
		t.Fatalf("Filter: got %v", f)
	}
	if m := v.MaxLamport(); m != 7 {
		t.Fatalf("MaxLamport: got %d, want 7", m)
	}
	if m := NewVersionVector().MaxLamport(); m != 0 {
		t.Fatalf("MaxLamport of empty: got %d, want 0", m)
	}
}

func TestVersionVectorDeepCopy(t *testing.T) {
	v := VersionVector{actorA: 1}
	cp := v.DeepCopy()
	cp.Set(actorA, 9)
	cp.Unset(actorA)
	if v[actorA] != 1 {
		t.Fatal("copy mutated original")
	}
	if actors := (VersionVector{actorB: 1, actorA: 2}).Actors(); actors[0] != actorA {
		t.Fatalf("Actors not sorted: %v", actors)
	}
}
