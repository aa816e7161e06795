package history_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/davrien/converso/internal/history"
	"github.com/davrien/converso/pkg/provider/embeddings/mock"
	"github.com/davrien/converso/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if CONVERSO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CONVERSO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CONVERSO_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh store against the test database, pinning the
// mock embedder's vectors so similarity ordering is deterministic.
func newTestStore(t *testing.T, embedder *mock.Provider) *history.Store {
	t.Helper()
	dsn := testDSN(t)

	store, err := history.NewStore(context.Background(), dsn, embedder)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_RecordAndRecent(t *testing.T) {
	embedder := &mock.Provider{Dims: testEmbeddingDim}
	store := newTestStore(t, embedder)
	ctx := context.Background()
	learner := "learner-" + t.Name()

	scores := types.Scores{Fluency: 80, Vocabulary: 75, Grammar: 70}
	if err := store.RecordTurn(ctx, learner, "travel", "I visited Rome", "Nice tense use.", scores); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if err := store.RecordTurn(ctx, learner, "travel", "I will go to Paris", "Good future form.", scores); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	entries, err := store.Recent(ctx, learner, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Utterance != "I will go to Paris" {
		t.Errorf("entries[0] = %q, want the most recent turn", entries[0].Utterance)
	}
	if entries[0].Scores != scores {
		t.Errorf("scores = %+v, want %+v", entries[0].Scores, scores)
	}
}

func TestStore_Similar(t *testing.T) {
	embedder := &mock.Provider{
		Dims: testEmbeddingDim,
		Vectors: map[string][]float32{
			"I go to school yesterday":  {1, 0, 0, 0},
			"I went to school late":     {0.9, 0.1, 0, 0},
			"My cat likes fish":         {0, 0, 1, 0},
			"I go to my school tomorrow": {0.95, 0.05, 0, 0},
		},
	}
	store := newTestStore(t, embedder)
	ctx := context.Background()
	learner := "learner-" + t.Name()

	neutral := types.NeutralScores()
	for _, utt := range []string{"I went to school late", "My cat likes fish"} {
		if err := store.RecordTurn(ctx, learner, "daily_life", utt, "", neutral); err != nil {
			t.Fatalf("RecordTurn(%q): %v", utt, err)
		}
	}

	similar, err := store.Similar(ctx, learner, "I go to school yesterday", 2)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(similar) != 2 {
		t.Fatalf("results = %d, want 2", len(similar))
	}
	if similar[0].Utterance != "I went to school late" {
		t.Errorf("closest = %q, want the school utterance first", similar[0].Utterance)
	}
	if similar[0].Distance >= similar[1].Distance {
		t.Errorf("distances not ascending: %v then %v", similar[0].Distance, similar[1].Distance)
	}
}

func TestStore_SimilarScopedToLearner(t *testing.T) {
	embedder := &mock.Provider{Dims: testEmbeddingDim}
	store := newTestStore(t, embedder)
	ctx := context.Background()

	other := "other-" + t.Name()
	if err := store.RecordTurn(ctx, other, "food", "I like pizza", "", types.NeutralScores()); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	similar, err := store.Similar(ctx, "lonely-"+t.Name(), "I like pizza", 5)
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(similar) != 0 {
		t.Errorf("results = %d, want none from other learners", len(similar))
	}
}

func TestStore_Progress(t *testing.T) {
	embedder := &mock.Provider{Dims: testEmbeddingDim}
	store := newTestStore(t, embedder)
	ctx := context.Background()
	learner := "learner-" + t.Name()

	turns := []types.Scores{
		{Fluency: 60, Vocabulary: 70, Grammar: 80},
		{Fluency: 80, Vocabulary: 90, Grammar: 60},
	}
	for i, scores := range turns {
		utt := []string{"first turn", "second turn"}[i]
		if err := store.RecordTurn(ctx, learner, "work", utt, "", scores); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}

	summary, err := store.Progress(ctx, learner, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if summary.Turns != 2 {
		t.Errorf("turns = %d, want 2", summary.Turns)
	}
	want := types.Scores{Fluency: 70, Vocabulary: 80, Grammar: 70}
	if summary.Average != want {
		t.Errorf("average = %+v, want %+v", summary.Average, want)
	}

	// A window with no turns aggregates to zero.
	empty, err := store.Progress(ctx, learner, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if empty.Turns != 0 || empty.Average != (types.Scores{}) {
		t.Errorf("empty window summary = %+v, want zero", empty)
	}
}
