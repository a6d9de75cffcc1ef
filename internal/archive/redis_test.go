package archive

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb, err := OpenRedis(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()))
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func sampleRecord(id string) GameRecord {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return GameRecord{
		ID:        id,
		BotColor:  "white",
		White:     "CheeseBot",
		Black:     "bob",
		MovesUCI:  []string{"e2e4", "e7e5"},
		MovesSAN:  []string{"e4", "e5"},
		FinalFEN:  "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq - 0 2",
		Status:    "resign",
		Winner:    "white",
		StartedAt: start,
		EndedAt:   start.Add(90 * time.Second),
	}
}

func TestRedisRecordAndLoad(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.Record(ctx, sampleRecord("g1")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := s.Load(ctx, "g1")
	if err != nil || got == nil {
		t.Fatalf("Load: %v %v", got, err)
	}
	if got.Winner != "white" || len(got.MovesSAN) != 2 {
		t.Fatalf("unexpected record %+v", got)
	}
	if ttl := mr.TTL(keyGame("g1")); ttl <= 0 {
		t.Fatalf("game key has no ttl")
	}
	missing, err := s.Load(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown game, got %v %v", missing, err)
	}
}

func TestRedisRecentNewestFirstAndBounded(t *testing.T) {
	s, _ := newTestStore(t)
	s.limit = 3
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := s.Record(ctx, sampleRecord(fmt.Sprintf("g%d", i))); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	// re-recording moves a game to the front without duplicating it
	if err := s.Record(ctx, sampleRecord("g4")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var ids []string
	for _, r := range recent {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[g4 g5 g3]" {
		t.Fatalf("unexpected recent order %v", ids)
	}
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) Record(context.Context, GameRecord) error {
	f.calls++
	return fmt.Errorf("down")
}

func TestMultiRecordsEverywhere(t *testing.T) {
	s, _ := newTestStore(t)
	bad := &failingRecorder{}
	m := Multi{bad, s, nil}
	if err := m.Record(context.Background(), sampleRecord("g9")); err == nil {
		t.Fatalf("expected joined error")
	}
	if bad.calls != 1 {
		t.Fatalf("failing backend not called")
	}
	if got, _ := s.Load(context.Background(), "g9"); got == nil {
		t.Fatalf("healthy backend skipped after failure")
	}
}
