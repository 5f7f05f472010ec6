package invites

import (
	"sort"
	"time"
)

type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeResolved
	OutcomeAmbiguous
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Method records which evidence produced a resolution.
type Method string

const (
	MethodNone   Method = ""
	MethodDelta  Method = "delta"
	MethodPaired Method = "paired"
	MethodRecent Method = "recent"
)

type Resolution struct {
	Outcome    Outcome
	Method     Method
	Code       string
	InviterID  string
	Candidates []string
}

func (r Resolution) Resolved() bool {
	return r.Outcome == OutcomeResolved
}

// Join is one member arrival awaiting attribution.
type Join struct {
	MemberID string
	JoinedAt time.Time
}

// Resolve attributes a single join. It is ResolveBatch with one join.
func Resolve(old, current Snapshot, joinTime time.Time, window time.Duration) Resolution {
	return ResolveBatch(old, current, []Join{{JoinedAt: joinTime}}, window)[0]
}

// ResolveBatch attributes the joins observed between two snapshots of the
// same guild. Count increases on codes present in both snapshots take
// priority; the recency fallback is only consulted when no code increased.
// The result has one entry per join, in the same order.
//
// When several codes increased and the increases add up to the number of
// joins, codes are ordered by creation time and handed to joins in arrival
// order. Such results carry MethodPaired. The pairing is deterministic but
// not evidence: the listing cannot tell which member used which code, so two
// paired members may have their inviters swapped.
func ResolveBatch(old, current Snapshot, joins []Join, window time.Duration) []Resolution {
	out := make([]Resolution, len(joins))
	if len(joins) == 0 {
		return out
	}

	increased := increasedCodes(old, current)
	total := 0
	for _, inc := range increased {
		total += inc.delta
	}

	switch {
	case total == 0:
		if len(joins) == 1 {
			out[0] = resolveRecent(current, joins[0].JoinedAt, window)
		}
		return out
	case total == len(joins):
		method := MethodDelta
		if len(increased) > 1 {
			method = MethodPaired
		}
		i := 0
		for _, inc := range increased {
			for n := 0; n < inc.delta; n++ {
				out[i] = Resolution{
					Outcome:   OutcomeResolved,
					Method:    method,
					Code:      inc.invite.Code,
					InviterID: inc.invite.InviterID,
				}
				i++
			}
		}
		return out
	default:
		codes := make([]string, 0, len(increased))
		for _, inc := range increased {
			codes = append(codes, inc.invite.Code)
		}
		for i := range out {
			out[i] = Resolution{Outcome: OutcomeAmbiguous, Candidates: codes}
		}
		return out
	}
}

type increase struct {
	invite Invite
	delta  int
}

// increasedCodes lists codes whose use count grew, oldest invite first.
func increasedCodes(old, current Snapshot) []increase {
	var out []increase
	for code, invite := range current {
		before, ok := old[code]
		if !ok || invite.Uses <= before.Uses {
			continue
		}
		out = append(out, increase{invite: invite, delta: invite.Uses - before.Uses})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].invite, out[j].invite
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Code < b.Code
	})
	return out
}

func resolveRecent(current Snapshot, joinTime time.Time, window time.Duration) Resolution {
	var match Invite
	var candidates []string
	for code, invite := range current {
		if invite.Uses != 1 || invite.CreatedAt.IsZero() {
			continue
		}
		age := joinTime.Sub(invite.CreatedAt)
		if age < 0 {
			age = -age
		}
		if age > window {
			continue
		}
		match = invite
		candidates = append(candidates, code)
	}
	if len(candidates) != 1 {
		sort.Strings(candidates)
		return Resolution{Outcome: OutcomeUnknown, Candidates: candidates}
	}
	return Resolution{
		Outcome:   OutcomeResolved,
		Method:    MethodRecent,
		Code:      match.Code,
		InviterID: match.InviterID,
	}
}
