package winner

import (
	"testing"

	"github.com/bwmarrin/snowflake"
)

func roster(ids ...int64) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, Candidate{
			MemberID:       snowflake.ID(id),
			JoinOrder:      i + 1,
			PayoutEligible: true,
		})
	}
	return out
}

func TestSelectDeterministic(t *testing.T) {
	groupID := snowflake.ID(1001)
	candidates := roster(11, 22, 33, 44, 55)

	first, err := Select(groupID, 3, candidates)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := Select(groupID, 3, candidates)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if again != first {
			t.Fatalf("replay diverged: got %d, want %d", again, first)
		}
	}
}

func TestSelectIgnoresInputOrder(t *testing.T) {
	groupID := snowflake.ID(2002)
	forward := roster(11, 22, 33, 44)
	reversed := make([]Candidate, len(forward))
	for i := range forward {
		reversed[len(forward)-1-i] = forward[i]
	}

	a, err := Select(groupID, 7, forward)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	b, err := Select(groupID, 7, reversed)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a != b {
		t.Fatalf("selection depends on input order: %d vs %d", a, b)
	}
}

func TestSelectVariesAcrossCycles(t *testing.T) {
	groupID := snowflake.ID(3003)
	candidates := roster(11, 22, 33, 44, 55, 66, 77)

	seen := map[snowflake.ID]bool{}
	for cycle := 1; cycle <= 40; cycle++ {
		w, err := Select(groupID, cycle, candidates)
		if err != nil {
			t.Fatalf("select cycle %d: %v", cycle, err)
		}
		seen[w] = true
	}
	if len(seen) < 2 {
		t.Fatalf("selection never varies across cycles, always %v", seen)
	}
}

func TestSelectSkipsIneligible(t *testing.T) {
	groupID := snowflake.ID(4004)
	candidates := roster(11, 22, 33)
	candidates[0].PayoutEligible = false
	candidates[2].PayoutEligible = false

	w, err := Select(groupID, 2, candidates)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if w != snowflake.ID(22) {
		t.Fatalf("expected the only eligible member 22, got %d", w)
	}
}

func TestSelectFairOverFullRotation(t *testing.T) {
	groupID := snowflake.ID(5005)
	candidates := roster(11, 22, 33, 44, 55)

	wins := map[snowflake.ID]int{}
	for cycle := 1; cycle <= len(candidates); cycle++ {
		w, err := Select(groupID, cycle, candidates)
		if err != nil {
			t.Fatalf("select cycle %d: %v", cycle, err)
		}
		wins[w]++
		for i := range candidates {
			if candidates[i].MemberID == w {
				candidates[i].PayoutEligible = false
			}
		}
	}

	for _, c := range candidates {
		if wins[c.MemberID] != 1 {
			t.Fatalf("member %d won %d times in one rotation", c.MemberID, wins[c.MemberID])
		}
	}
}

func TestSelectRotationWrap(t *testing.T) {
	groupID := snowflake.ID(6006)
	candidates := roster(11, 22, 33)
	for i := range candidates {
		candidates[i].PayoutEligible = false
	}

	// Everyone has won: the pool resets to the whole roster.
	w, err := Select(groupID, 4, candidates)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.MemberID == w {
			found = true
		}
	}
	if !found {
		t.Fatalf("winner %d not in roster", w)
	}
}

func TestSelectHandlesShrinkingRoster(t *testing.T) {
	groupID := snowflake.ID(7007)
	candidates := roster(11, 22, 33, 44, 55)

	// Mid-rotation departure: drop one member who has not won yet, then
	// make sure the remaining rotation still finishes with one win each.
	w1, err := Select(groupID, 1, candidates)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	remaining := make([]Candidate, 0, len(candidates)-1)
	dropped := false
	for _, c := range candidates {
		eligible := c.MemberID != w1
		if c.MemberID != w1 && !dropped {
			dropped = true
			continue
		}
		c.PayoutEligible = eligible
		remaining = append(remaining, c)
	}

	wins := map[snowflake.ID]int{w1: 1}
	cycle := 2
	for {
		eligibleLeft := 0
		for _, c := range remaining {
			if c.PayoutEligible {
				eligibleLeft++
			}
		}
		if eligibleLeft == 0 {
			break
		}
		w, err := Select(groupID, cycle, remaining)
		if err != nil {
			t.Fatalf("select cycle %d: %v", cycle, err)
		}
		wins[w]++
		for i := range remaining {
			if remaining[i].MemberID == w {
				remaining[i].PayoutEligible = false
			}
		}
		cycle++
	}

	for id, n := range wins {
		if n != 1 {
			t.Fatalf("member %d won %d times in one rotation", id, n)
		}
	}
	if len(wins) != len(candidates)-1 {
		t.Fatalf("expected %d winners, got %d", len(candidates)-1, len(wins))
	}
}

func TestSelectNoCandidates(t *testing.T) {
	if _, err := Select(snowflake.ID(1), 1, nil); err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}
