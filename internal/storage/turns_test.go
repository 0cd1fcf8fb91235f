package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"Xinyu/server/internal/models"
)

func TestTurnStoreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewTurnStore(NewMemoryKV())

	turns, err := s.List(ctx, "c1")
	if err != nil || len(turns) != 0 {
		t.Fatalf("empty list = %v, %v", turns, err)
	}

	prev := 0
	for i := 0; i < 10; i++ {
		n, err := s.Append(ctx, "c1", models.Turn{From: models.SpeakerPlayer, Text: fmt.Sprint(i), Kind: models.KindSpeech})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if n != prev+1 {
			t.Fatalf("count went from %d to %d", prev, n)
		}
		prev = n
	}

	all, _ := s.List(ctx, "c1")
	for i, turn := range all {
		if turn.Text != fmt.Sprint(i) {
			t.Fatalf("turn %d = %q, order not preserved", i, turn.Text)
		}
		if turn.CreatedAt.IsZero() {
			t.Errorf("turn %d has no timestamp", i)
		}
	}

	recent, _ := s.Recent(ctx, "c1", 3)
	if len(recent) != 3 || recent[0].Text != "7" || recent[2].Text != "9" {
		t.Errorf("recent = %+v", recent)
	}

	if n, _ := s.Count(ctx, "c2"); n != 0 {
		t.Errorf("other character leaked turns: %d", n)
	}
}

func TestTurnStoreConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	s := NewTurnStore(NewMemoryKV())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Append(ctx, "c1", models.Turn{Text: fmt.Sprint(i)}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n, _ := s.Count(ctx, "c1"); n != 50 {
		t.Fatalf("lost writes: count = %d", n)
	}
}

func TestTurnStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewTurnStore(NewMemoryKV())
	s.Append(ctx, "c1", models.Turn{Text: "a"})

	if err := s.Clear(ctx, "c1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx, "c1"); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}
