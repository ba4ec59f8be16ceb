package playback

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/relayline/frontdesk/internal/observe"
)

func collector() (*[][]byte, func([]byte)) {
	var got [][]byte
	return &got, func(mulaw []byte) {
		got = append(got, mulaw)
	}
}

func TestPush_InOrder(t *testing.T) {
	t.Parallel()

	got, emit := collector()
	q := New(emit)

	q.Push(0, []byte("a"))
	q.Push(1, []byte("b"))
	q.Push(2, []byte("c"))

	want := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	assertChunks(t, *got, want)
	if q.Pending() != 0 {
		t.Errorf("expected empty buffer, got %d pending", q.Pending())
	}
}

func TestPush_OutOfOrder(t *testing.T) {
	t.Parallel()

	got, emit := collector()
	q := New(emit)

	// Completion order 2, 0, 1 must release 0, 1, 2.
	q.Push(2, []byte("c"))
	if len(*got) != 0 {
		t.Fatalf("nothing should be released before index 0, got %d", len(*got))
	}
	q.Push(0, []byte("a"))
	if len(*got) != 1 {
		t.Fatalf("expected only chunk 0 released, got %d", len(*got))
	}
	q.Push(1, []byte("b"))

	assertChunks(t, *got, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
}

func TestPush_RandomOrder(t *testing.T) {
	t.Parallel()

	// Arrival order is adversarial: feed 50 chunks in random order and the
	// release order must still be 0..49.
	const n = 50
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 20; trial++ {
		got, emit := collector()
		q := New(emit)

		perm := rng.Perm(n)
		for _, idx := range perm {
			q.Push(idx, []byte(fmt.Sprintf("chunk-%d", idx)))
		}

		if len(*got) != n {
			t.Fatalf("trial %d: expected %d released, got %d", trial, n, len(*got))
		}
		for i, chunk := range *got {
			want := fmt.Sprintf("chunk-%d", i)
			if string(chunk) != want {
				t.Fatalf("trial %d: position %d = %q, want %q", trial, i, chunk, want)
			}
		}
	}
}

func TestPush_ResetOnIndexZero(t *testing.T) {
	t.Parallel()

	got, emit := collector()
	q := New(emit)

	// First response: two chunks released, one straggler buffered.
	q.Push(0, []byte("r1-0"))
	q.Push(1, []byte("r1-1"))
	q.Push(3, []byte("r1-straggler"))

	// New response starts at index 0: the straggler must be dropped.
	q.Push(0, []byte("r2-0"))
	q.Push(1, []byte("r2-1"))

	want := [][]byte{[]byte("r1-0"), []byte("r1-1"), []byte("r2-0"), []byte("r2-1")}
	assertChunks(t, *got, want)
}

func TestPush_StripsContainerHeaders(t *testing.T) {
	t.Parallel()

	raw := []byte{0x10, 0x20, 0x30}
	wav := make([]byte, 44)
	copy(wav, "RIFF")
	wav = append(wav, raw...)

	got, emit := collector()
	q := New(emit)
	q.Push(0, wav)

	if len(*got) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(*got))
	}
	if !bytes.Equal((*got)[0], raw) {
		t.Errorf("expected stripped payload %v, got %v", raw, (*got)[0])
	}
}

func TestPush_RawPayloadRoundTripsUnchanged(t *testing.T) {
	t.Parallel()

	raw := []byte{0x7F, 0xFF, 0x00, 0x55}
	got, emit := collector()
	q := New(emit)
	q.Push(0, raw)

	if !bytes.Equal((*got)[0], raw) {
		t.Errorf("raw payload changed through the queue: %v != %v", (*got)[0], raw)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	got, emit := collector()
	q := New(emit)

	q.Push(0, []byte("a"))
	q.Push(2, []byte("buffered"))
	q.Reset()

	if q.Pending() != 0 {
		t.Errorf("expected empty buffer after Reset, got %d", q.Pending())
	}

	q.Push(0, []byte("b"))
	assertChunks(t, *got, [][]byte{[]byte("a"), []byte("b")})
}

func TestPush_SamplesQueueDepth(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	_, emit := collector()
	q := New(emit, WithMetrics(m))

	// Depths sampled per push: 1 (waiting on 0 and 1), 2, then 0 after the
	// contiguous run releases.
	q.Push(2, []byte("c"))
	q.Push(1, []byte("b"))
	q.Push(0, []byte("a"))

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var hist *metricdata.Histogram[int64]
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == "frontdesk.playback.queue_depth" {
				h := sm.Metrics[i].Data.(metricdata.Histogram[int64])
				hist = &h
			}
		}
	}
	if hist == nil {
		t.Fatal("frontdesk.playback.queue_depth not found")
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("samples = %d, want 3", dp.Count)
	}
	if dp.Sum != 3 {
		t.Errorf("depth sum = %d, want 3 (1+2+0)", dp.Sum)
	}
	if max, ok := dp.Max.Value(); !ok || max != 2 {
		t.Errorf("max depth = %d (defined=%v), want 2", max, ok)
	}
}

func assertChunks(t *testing.T, got, want [][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("released %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}
