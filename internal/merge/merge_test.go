package merge

import (
	"testing"

	"github.com/quizpulse/quizpulse/internal/record"
)

func TestAnswersLastWriteWins(t *testing.T) {
	tests := []struct {
		name               string
		existing, incoming record.Answer
		want               record.Answer
	}{
		{
			name:     "newer incoming replaces",
			existing: record.Answer{Value: "A", Timestamp: 100},
			incoming: record.Answer{Value: "B", Timestamp: 200},
			want:     record.Answer{Value: "B", Timestamp: 200},
		},
		{
			name:     "older incoming keeps existing",
			existing: record.Answer{Value: "A", Timestamp: 300},
			incoming: record.Answer{Value: "B", Timestamp: 200},
			want:     record.Answer{Value: "A", Timestamp: 300},
		},
		{
			name:     "equal timestamp keeps existing",
			existing: record.Answer{Value: "A", Timestamp: 200},
			incoming: record.Answer{Value: "B", Timestamp: 200},
			want:     record.Answer{Value: "A", Timestamp: 200},
		},
		{
			name:     "normalized legacy loses to real write",
			existing: record.Answer{Value: "A", Timestamp: 100},
			incoming: record.Answer{Value: "old", Timestamp: 0},
			want:     record.Answer{Value: "A", Timestamp: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Answers(tt.existing, tt.incoming); got != tt.want {
				t.Errorf("Answers() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAnswersIdempotent(t *testing.T) {
	a := record.Answer{Value: "A", Timestamp: 100}
	b := record.Answer{Value: "B", Timestamp: 200}

	once := Answers(a, b)
	twice := Answers(once, b)
	if once != twice {
		t.Errorf("re-merge changed result: %+v vs %+v", once, twice)
	}
}

func TestAttemptsCommutative(t *testing.T) {
	pairs := []struct{ a, b record.Attempt }{
		{record.Attempt{Count: 1}, record.Attempt{Count: 5}},
		{record.Attempt{Count: 7, Timestamp: 10}, record.Attempt{Count: 3, Timestamp: 20}},
		{record.Attempt{}, record.Attempt{Count: 2}},
	}
	for _, p := range pairs {
		ab := Attempts(p.a, p.b)
		ba := Attempts(p.b, p.a)
		if ab != ba {
			t.Errorf("Attempts not commutative: %+v vs %+v", ab, ba)
		}
		if ab.Count < p.a.Count || ab.Count < p.b.Count {
			t.Errorf("Attempts regressed: %+v from %+v, %+v", ab, p.a, p.b)
		}
	}
}

func TestProgressCommutative(t *testing.T) {
	a := record.Progress{Count: 4}
	b := record.Progress{Count: 9}
	if Progress(a, b) != Progress(b, a) {
		t.Error("Progress not commutative")
	}
	if got := Progress(a, b); got.Count != 9 {
		t.Errorf("Progress = %+v, want count 9", got)
	}
}

func TestBadgesEarliestWins(t *testing.T) {
	tests := []struct {
		name string
		a, b record.Badge
		want record.Badge
	}{
		{"earlier b wins", record.Badge{EarnedAt: 200}, record.Badge{EarnedAt: 100}, record.Badge{EarnedAt: 100}},
		{"earlier a wins", record.Badge{EarnedAt: 100}, record.Badge{EarnedAt: 200}, record.Badge{EarnedAt: 100}},
		{"zero a loses", record.Badge{}, record.Badge{EarnedAt: 200}, record.Badge{EarnedAt: 200}},
		{"zero b loses", record.Badge{EarnedAt: 100}, record.Badge{}, record.Badge{EarnedAt: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Badges(tt.a, tt.b); got != tt.want {
				t.Errorf("Badges() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestReasonsOverwrite(t *testing.T) {
	existing := record.Reason{Text: "old"}
	if got := Reasons(existing, record.Reason{Text: "new"}); got.Text != "new" {
		t.Errorf("Reasons() = %+v, want new", got)
	}
	if got := Reasons(existing, record.Reason{}); got.Text != "old" {
		t.Errorf("Reasons() with empty incoming = %+v, want old", got)
	}
}

func TestOverwrite(t *testing.T) {
	if got := Overwrite([]byte("a"), []byte("b")); string(got) != "b" {
		t.Errorf("Overwrite = %s", got)
	}
	if got := Overwrite([]byte("a"), nil); string(got) != "a" {
		t.Errorf("Overwrite with nil incoming = %s", got)
	}
}
