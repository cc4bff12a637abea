package matching

import "sort"

// MatchCandidate is the partner chosen for a user.
type MatchCandidate struct {
	Entry           *Entry
	SharedInterests []string
}

// Best picks the eligible entry sharing the most interests with the given
// set. Ties go to whoever has waited longest. A user with no interests
// scores zero against everyone and so gets the oldest eligible entry.
// Returns nil when nothing is eligible.
func (p *Pool) Best(userID string, interests []string, eligible func(*Entry) bool) *MatchCandidate {
	mine := make(map[string]bool, len(interests))
	for _, tag := range interests {
		mine[tag] = true
	}

	var (
		best      *Entry
		bestScore = -1
	)
	for _, e := range p.entries {
		if e.UserID == userID || (eligible != nil && !eligible(e)) {
			continue
		}
		score := overlapCount(mine, e.Interests)
		if score > bestScore || (score == bestScore && older(e, best)) {
			best, bestScore = e, score
		}
	}
	if best == nil {
		return nil
	}
	return &MatchCandidate{Entry: best, SharedInterests: sharedInterests(mine, best.Interests)}
}

func overlapCount(mine map[string]bool, theirs []string) int {
	n := 0
	seen := make(map[string]bool, len(theirs))
	for _, tag := range theirs {
		if mine[tag] && !seen[tag] {
			seen[tag] = true
			n++
		}
	}
	return n
}

func sharedInterests(mine map[string]bool, theirs []string) []string {
	var shared []string
	seen := make(map[string]bool, len(theirs))
	for _, tag := range theirs {
		if mine[tag] && !seen[tag] {
			seen[tag] = true
			shared = append(shared, tag)
		}
	}
	sort.Strings(shared)
	return shared
}
