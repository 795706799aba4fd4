// Package merge centralizes conflict resolution between two copies of
// the same record. Call sites never inline timestamp comparisons; the
// per-kind policy lives here and only here.
//
// Every function is pure and idempotent: merging the same two inputs
// again yields the same output, so replayed syncs are harmless.
package merge

import "github.com/quizpulse/quizpulse/internal/record"

// Answers resolves two copies of an answer by last-write-wins on the
// timestamp. Only a strictly greater incoming timestamp replaces the
// existing copy; ties keep the existing (local) copy.
func Answers(existing, incoming record.Answer) record.Answer {
	if incoming.Timestamp > existing.Timestamp {
		return incoming
	}
	return existing
}

// Attempts merges two attempt counters by max. Commutative: the counter
// is monotonic and never regresses.
func Attempts(a, b record.Attempt) record.Attempt {
	out := a
	if b.Count > out.Count {
		out.Count = b.Count
	}
	if b.Timestamp > out.Timestamp {
		out.Timestamp = b.Timestamp
	}
	return out
}

// Progress merges two progress counters by max, like Attempts.
func Progress(a, b record.Progress) record.Progress {
	out := a
	if b.Count > out.Count {
		out.Count = b.Count
	}
	if b.Timestamp > out.Timestamp {
		out.Timestamp = b.Timestamp
	}
	return out
}

// Badges keeps the earliest earn time. Once earned, a badge's earnedAt
// is never revised later. A zero earnedAt means "not earned on this
// side" and loses to any real earn time.
func Badges(a, b record.Badge) record.Badge {
	switch {
	case a.EarnedAt == 0:
		return b
	case b.EarnedAt == 0:
		return a
	case b.EarnedAt < a.EarnedAt:
		return b
	default:
		return a
	}
}

// Reasons is last-writer overwrite: the incoming copy replaces the
// existing one whenever it is present. Reasons carry no timestamp.
func Reasons(existing, incoming record.Reason) record.Reason {
	if incoming.Text != "" {
		return incoming
	}
	return existing
}

// Overwrite is the raw-value policy for charts and preferences: the
// incoming value replaces the existing one when present.
func Overwrite(existing, incoming []byte) []byte {
	if len(incoming) > 0 {
		return incoming
	}
	return existing
}
