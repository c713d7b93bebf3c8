package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Dropped())
}

// TestHubIsolatesFailingSinks keeps delivering to healthy sinks when another panics or errors.
func TestHubIsolatesFailingSinks(t *testing.T) {
	t.Parallel()

	healthy := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute},
		panicSink{}, errSink{}, nil, healthy)

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, healthy.Batches(), 2)

	hub.Emit(sampleEvent(StageRunStart))
	require.Len(t, healthy.Batches(), 2, "events after Close are ignored")
	require.NoError(t, hub.Close(context.Background()))
}

// TestHubDropsInvalidEvents ensures malformed events never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Stage: StageRunStart, TS: time.Now()})
	bad := sampleEvent(StageTargetDone)
	hub.Emit(bad)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestEventValidate covers the per-stage requirements.
func TestEventValidate(t *testing.T) {
	t.Parallel()

	ok := sampleEvent(StageFetchDone)
	require.NoError(t, ok.Validate())

	missingState := sampleEvent(StageTargetState)
	require.Error(t, missingState.Validate())
	missingState.State = "FETCHING_LIGHT"
	require.NoError(t, missingState.Validate())

	target := sampleEvent(StageTargetStart)
	target.Index = 3
	require.NoError(t, target.Validate())

	unknown := sampleEvent(Stage("NOPE"))
	require.Error(t, unknown.Validate())
}

// TestClassifyStatus checks status grouping.
func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageRunStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

type panicSink struct{}

func (panicSink) Consume(context.Context, []Event) error { panic("sink exploded") }
func (panicSink) Close(context.Context) error           { return nil }

type errSink struct{}

func (errSink) Consume(context.Context, []Event) error { return errors.New("unavailable") }
func (errSink) Close(context.Context) error           { return errors.New("close failed") }

func sampleEvent(stage Stage) Event {
	id := uuid.New()
	return Event{
		RunID:  UUIDToBytes(id),
		TS:     time.Now(),
		Stage:  stage,
		Index:  -1,
		Site:   "example.com",
		Engine: "LIGHT",
		StatusClass: func() StatusClass {
			if stage == StageFetchDone {
				return Status2xx
			}
			return ""
		}(),
	}
}
