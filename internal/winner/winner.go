// Package winner picks the payout recipient for a completed cycle.
//
// Selection is a pure function of (group id, cycle number, ordered roster),
// so a disaster-recovery replay of the same cycle lands on the same member.
// Fairness comes from the eligibility flags: a member who has won inside the
// current rotation is excluded until everyone has won once.
package winner

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
)

var ErrNoCandidates = errors.New("no_candidates")

type Candidate struct {
	MemberID       snowflake.ID
	JoinOrder      int
	PayoutEligible bool
}

// Select returns exactly one winner for the cycle. When every candidate has
// already won, the rotation has wrapped and the whole roster is back in the
// pool; callers persist that reset separately.
func Select(groupID snowflake.ID, cycleNumber int, candidates []Candidate) (snowflake.ID, error) {
	if len(candidates) == 0 {
		return 0, ErrNoCandidates
	}

	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.PayoutEligible {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		eligible = append(eligible, candidates...)
	}

	sortCandidates(eligible)

	idx := int(Seed(groupID, cycleNumber, eligible) % uint64(len(eligible)))
	return eligible[idx].MemberID, nil
}

// Seed hashes the group, cycle and the ordered candidate ids. The member set
// is part of the hash so a mid-rotation departure changes selection only for
// cycles after the departure, never retroactively.
func Seed(groupID snowflake.ID, cycleNumber int, ordered []Candidate) uint64 {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d", groupID, cycleNumber)
	for _, c := range ordered {
		fmt.Fprintf(h, ":%d", c.MemberID)
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].JoinOrder != candidates[j].JoinOrder {
			return candidates[i].JoinOrder < candidates[j].JoinOrder
		}
		return candidates[i].MemberID < candidates[j].MemberID
	})
}
