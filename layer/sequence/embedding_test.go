package sequence

import "testing"

func TestEmbedTexelsRoundsUpToVec4(t *testing.T) {
	e, err := NewEmbedding(1, EmbeddingBuilder{Name: "emb0", Vocab: 1000, EmbedDim: 258})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.embedTexels(); got != 65 {
		t.Fatalf("embedTexels() = %d, want 65 (ceil(258/4))", got)
	}
}

func TestNewEmbeddingDefaultsMaxTextureDim(t *testing.T) {
	e, err := NewEmbedding(1, EmbeddingBuilder{Name: "emb1", Vocab: 8, EmbedDim: 4})
	if err != nil {
		t.Fatal(err)
	}
	if e.b.MaxTextureDim != 4096 {
		t.Fatalf("MaxTextureDim = %d, want default 4096", e.b.MaxTextureDim)
	}
}

func TestNewEmbeddingRejectsEmptyVocab(t *testing.T) {
	if _, err := NewEmbedding(1, EmbeddingBuilder{Name: "bad", Vocab: 0, EmbedDim: 4}); err == nil {
		t.Fatal("expected error for zero vocab")
	}
}
