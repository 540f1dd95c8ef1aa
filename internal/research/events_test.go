package research

import (
	"sync"
	"testing"
)

func TestEmitterOrdersEvents(t *testing.T) {
	var got []Event
	e := NewEmitter(func(ev Event) { got = append(got, ev) })

	e.Emit(EventPhaseStarted, "plan", nil)
	e.Emit(EventSearchStarted, "gaming laptop", nil)
	e.Emit(EventResearchComplete, "", map[string]any{"viable": 2})

	if len(got) != 3 {
		t.Fatalf("delivered %d events", len(got))
	}
	for i, ev := range got {
		if ev.Seq != i+1 {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("event %d has zero timestamp", i)
		}
	}
	if hist := e.History(); len(hist) != 3 || hist[2].Type != EventResearchComplete {
		t.Errorf("history = %+v", hist)
	}
}

func TestEmitterNilSafe(t *testing.T) {
	var e *Emitter
	e.Emit(EventProgress, "still fine", nil)

	withNoListener := NewEmitter(nil)
	withNoListener.Emit(EventProgress, "also fine", nil)
	if len(withNoListener.History()) != 1 {
		t.Error("event not recorded without listener")
	}
}

func TestEmitterConcurrentSequencing(t *testing.T) {
	e := NewEmitter(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				e.Emit(EventProgress, "", nil)
			}
		}()
	}
	wg.Wait()

	hist := e.History()
	if len(hist) != 200 {
		t.Fatalf("emitted %d events", len(hist))
	}
	seen := map[int]bool{}
	for _, ev := range hist {
		if seen[ev.Seq] {
			t.Fatalf("duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
}
