package picker

import "testing"

func all(int) bool { return true }

func TestNextPrefersRarest(t *testing.T) {
	p := NewSeeded(4, 1, 2)

	// Piece 2 is held by one peer, pieces 0 and 1 by two.
	for _, i := range []int{0, 1, 2} {
		p.GotHave(i)
	}
	p.GotHave(0)
	p.GotHave(1)

	if got, ok := p.Next(all, false); !ok || got != 2 {
		t.Fatalf("Next() = %d,%v; want rarest piece 2", got, ok)
	}
}

func TestNextSkipsUnavailable(t *testing.T) {
	p := NewSeeded(3, 1, 2)

	if _, ok := p.Next(all, false); ok {
		t.Fatal("nothing is available, Next must fail")
	}

	p.GotHave(1)
	if got, ok := p.Next(all, false); !ok || got != 1 {
		t.Fatalf("Next() = %d,%v; want 1", got, ok)
	}
}

func TestNextHonorsPredicate(t *testing.T) {
	p := NewSeeded(3, 1, 2)
	p.GotHave(0)
	p.GotHave(1)

	only1 := func(i int) bool { return i == 1 }
	if got, ok := p.Next(only1, false); !ok || got != 1 {
		t.Fatalf("Next() = %d,%v; want 1", got, ok)
	}
}

func TestStartedPiecesPreferred(t *testing.T) {
	p := NewSeeded(4, 1, 2)
	for i := 0; i < 4; i++ {
		p.GotHave(i)
	}

	// Piece 3 is rarer-or-equal and started; it must win over fresh ones.
	p.Requested(3, false)
	for i := 0; i < 10; i++ {
		if got, ok := p.Next(all, false); !ok || got != 3 {
			t.Fatalf("Next() = %d,%v; want started piece 3", got, ok)
		}
	}
}

func TestSeedingStartedSetIsSeparate(t *testing.T) {
	p := NewSeeded(4, 1, 2)
	for i := 0; i < 4; i++ {
		p.GotHave(i)
	}

	p.Requested(2, true)
	for i := 0; i < 10; i++ {
		if got, ok := p.Next(all, true); !ok || got != 2 {
			t.Fatalf("seeding Next() = %d,%v; want started piece 2", got, ok)
		}
	}
}

func TestCompleteRemovesPiece(t *testing.T) {
	p := NewSeeded(2, 1, 2)
	p.GotHave(0)
	p.GotHave(1)

	p.Complete(0)
	if p.AmIComplete() {
		t.Fatal("one piece left")
	}
	if got, ok := p.Next(all, false); !ok || got != 1 {
		t.Fatalf("Next() = %d,%v; want 1", got, ok)
	}

	p.Complete(1)
	if !p.AmIComplete() {
		t.Fatal("all pieces complete")
	}
	if _, ok := p.Next(all, false); ok {
		t.Fatal("nothing left to pick")
	}

	// Availability changes for a complete piece are ignored.
	p.GotHave(0)
	p.LostHave(0)
	if p.Availability(0) != -1 {
		t.Fatalf("Availability(0) = %d, want -1", p.Availability(0))
	}
}

func TestLostHave(t *testing.T) {
	p := NewSeeded(2, 1, 2)
	p.GotHave(0)

	p.LostHave(0)
	if _, ok := p.Next(all, false); ok {
		t.Fatal("piece 0 should be unavailable again")
	}
	if p.Availability(0) != 0 {
		t.Fatalf("Availability(0) = %d, want 0", p.Availability(0))
	}
}

func TestBumpDeprioritizes(t *testing.T) {
	p := NewSeeded(3, 7, 9)
	for i := 0; i < 3; i++ {
		p.GotHave(i)
	}

	first, ok := p.Next(all, false)
	if !ok {
		t.Fatal("expected a pick")
	}

	p.Bump(first)
	second, ok := p.Next(all, false)
	if !ok {
		t.Fatal("expected a pick after bump")
	}
	if second == first {
		t.Fatalf("bumped piece %d picked again over equally rare peers", first)
	}
}
