package transcript_test

import (
	"testing"

	"github.com/MrWong99/parley/internal/transcript"
)

func TestVocabulary_Correct(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Eldrinax", "Grimjaw", "Tower of Whispers"})
	if v.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", v.Len())
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"split into two words", "I met elder nacks.", "I met Eldrinax."},
		{"casing restored", "where is GRIMJAW", "where is Grimjaw"},
		{"multi-word term", "the tower of wispers is tall", "the Tower of Whispers is tall"},
		{"already correct", "Eldrinax said hello", "Eldrinax said hello"},
		{"nothing similar", "what time is it", "what time is it"},
		{"empty", "", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := v.Correct(tc.in); got != tc.want {
				t.Errorf("Correct(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestVocabulary_ThresholdsRejectNearMisses(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"Eldrinax"},
		transcript.WithPhoneticThreshold(0.99),
		transcript.WithFuzzyThreshold(0.99),
	)
	const in = "I met elder nacks"
	if got := v.Correct(in); got != in {
		t.Errorf("Correct(%q) = %q, want unchanged", in, got)
	}
}

func TestVocabulary_IgnoresBlankAndShortTerms(t *testing.T) {
	t.Parallel()

	v := transcript.NewVocabulary([]string{"", "  ", "ok"})
	if v.Len() != 0 {
		t.Errorf("Len() = %d, want 0", v.Len())
	}
	const in = "ok then"
	if got := v.Correct(in); got != in {
		t.Errorf("Correct(%q) = %q, want unchanged", in, got)
	}
}

func TestAggregator_WithVocabulary(t *testing.T) {
	t.Parallel()

	a := newAgg(transcript.WithCorrector(transcript.NewVocabulary([]string{"Eldrinax"})))
	a.AddInput("ask elder ")
	a.AddInput("nacks")
	a.AddOutput("elder nacks is away")
	got := a.Complete()
	if len(got) != 2 {
		t.Fatalf("Complete() = %+v", got)
	}
	if got[0].Text != "ask Eldrinax" {
		t.Errorf("user = %q", got[0].Text)
	}
	if got[1].Text != "elder nacks is away" {
		t.Errorf("model = %q, want untouched", got[1].Text)
	}
}
