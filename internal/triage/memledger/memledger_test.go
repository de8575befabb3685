package memledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/sieve/internal/triage"
)

func record(id string) *triage.Record {
	return &triage.Record{
		MessageID:    id,
		Decision:     triage.DecisionArchive,
		Confidence:   0.998,
		Source:       triage.SourceModel,
		ModelVersion: "v1",
		ActionStatus: triage.StatusArchived,
		RecordedAt:   time.Now().UTC(),
	}
}

func TestReserveAndGet(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()

	existing, fresh, err := l.Reserve(ctx, record("<m1@x>"))
	if err != nil || !fresh || existing != nil {
		t.Fatalf("first Reserve = (%v, %v, %v), want fresh", existing, fresh, err)
	}

	got, ok, err := l.Get(ctx, "<m1@x>")
	if err != nil || !ok {
		t.Fatalf("Get = (%v, %v)", ok, err)
	}
	if got.ActionStatus != triage.StatusArchived {
		t.Errorf("status = %q", got.ActionStatus)
	}
}

func TestReserve_SecondLoses(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()

	if _, fresh, _ := l.Reserve(ctx, record("<m1@x>")); !fresh {
		t.Fatal("first reservation lost")
	}
	existing, fresh, err := l.Reserve(ctx, record("<m1@x>"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if fresh {
		t.Fatal("second reservation won; at-most-one violated")
	}
	if existing == nil || existing.MessageID != "<m1@x>" {
		t.Errorf("existing = %+v", existing)
	}
}

func TestReserve_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, fresh, _ := l.Reserve(ctx, record("<race@x>")); fresh {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Errorf("winners = %d, want exactly 1", n)
	}
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()

	_, _, _ = l.Reserve(ctx, record("<m1@x>"))
	if err := l.UpdateStatus(ctx, "<m1@x>", triage.StatusActionFailed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _, _ := l.Get(ctx, "<m1@x>")
	if got.ActionStatus != triage.StatusActionFailed {
		t.Errorf("status = %q, want action_failed", got.ActionStatus)
	}
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	l := New()
	if _, ok, err := l.Get(context.Background(), "<nope@x>"); ok || err != nil {
		t.Errorf("Get missing = (%v, %v), want (false, nil)", ok, err)
	}
}
