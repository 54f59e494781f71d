package sequence

import "testing"

// The vocab is padded to a multiple of VocabAggregateSize so the flatten
// pass's divisibility assumption always holds.
func TestPaddedVocabIsMultipleOfAggregateSize(t *testing.T) {
	s, err := NewScoring(1, ScoringBuilder{
		Name: "score0", Vocab: 50000, EmbedDim: 256, VocabAggregateSize: 64,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.paddedVocab%64 != 0 {
		t.Fatalf("paddedVocab = %d, not a multiple of 64", s.paddedVocab)
	}
	if s.paddedVocab < s.b.Vocab {
		t.Fatalf("paddedVocab = %d, smaller than vocab %d", s.paddedVocab, s.b.Vocab)
	}
}

func TestPaddedVocabExactMultipleUnchanged(t *testing.T) {
	s, err := NewScoring(1, ScoringBuilder{
		Name: "score1", Vocab: 128, EmbedDim: 64, VocabAggregateSize: 64,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.paddedVocab != 128 {
		t.Fatalf("paddedVocab = %d, want 128 (already a multiple)", s.paddedVocab)
	}
}

func TestNewScoringRejectsEmptyVocab(t *testing.T) {
	if _, err := NewScoring(1, ScoringBuilder{Name: "bad", Vocab: 0, EmbedDim: 8}); err == nil {
		t.Fatal("expected error for zero vocab")
	}
}
