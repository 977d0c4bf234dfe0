package telemetry

import (
	"bytes"
	"log"
	"sync"
	"testing"
)

func TestWrapLoggerForwardsAndExposesStandardLogger(t *testing.T) {
	var buf bytes.Buffer
	base := log.New(&buf, "", 0)
	logger := WrapLogger(base)
	logger.Printf("[relay] peer=%d joined", 3)
	if got := buf.String(); got != "[relay] peer=3 joined\n" {
		t.Fatalf("unexpected output %q", got)
	}
	if StandardLogger(logger) != base {
		t.Fatal("expected wrapped logger back")
	}
	if StandardLogger(Discard()) != nil {
		t.Fatal("discard has no standard logger")
	}
	WrapLogger(nil).Printf("ignored")
	Discard().Printf("ignored")
}

func TestCountersAccumulateConcurrently(t *testing.T) {
	counters := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				counters.Add("relay_frames_total", 1)
			}
		}()
	}
	wg.Wait()
	counters.Store("relay_sessions", 2)

	snapshot := counters.Snapshot()
	if snapshot["relay_frames_total"] != 800 || snapshot["relay_sessions"] != 2 || len(snapshot) != 2 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
	if counters.Load("missing") != 0 {
		t.Fatal("expected zero for unknown key")
	}

	var none *Counters
	none.Add("ignored", 1)
	none.Store("ignored", 1)
	if none.Load("ignored") != 0 || len(none.Snapshot()) != 0 {
		t.Fatal("nil counters should read as empty")
	}
}
