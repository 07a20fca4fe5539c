package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
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
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
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

	hub.Emit(sampleEvent(StageOutcome))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNeverBlocks ensures a full buffer drops instead of blocking the caller.
func TestHubEmitNeverBlocks(t *testing.T) {
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
	assert.Equal(t, int64(2), hub.Dropped())
}

// TestHubDiscardsInvalidEvents keeps malformed events away from sinks.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageOutcome})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
	assert.True(t, sink.closed)
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

	hub.Emit(sampleEvent(StageAttemptStart))
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	hub.Emit(sampleEvent(StageAttemptStart))
	require.Len(t, sink.Batches(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	run := UUIDToBytes(uuid.New())
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"run start", Event{RunID: run, TS: now, Stage: StageRunStart}, false},
		{"missing run", Event{TS: now, Stage: StageRunStart}, true},
		{"missing ts", Event{RunID: run, Stage: StageRunStart}, true},
		{"attempt without number", Event{RunID: run, TS: now, Stage: StageAttemptStart, RequestID: "r"}, true},
		{"attempt done", Event{RunID: run, TS: now, Stage: StageAttemptDone, RequestID: "r", Verdict: "ok"}, false},
		{"outcome without kind", Event{RunID: run, TS: now, Stage: StageOutcome, RequestID: "r"}, true},
		{"negative duration", Event{RunID: run, TS: now, Stage: StageRunDone, Dur: -1}, true},
		{"unknown stage", Event{RunID: run, TS: now, Stage: "NOPE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Status2xx, ClassifyStatus(204))
	assert.Equal(t, Status3xx, ClassifyStatus(302))
	assert.Equal(t, Status4xx, ClassifyStatus(429))
	assert.Equal(t, Status5xx, ClassifyStatus(503))
	assert.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
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

func sampleEvent(stage Stage) Event {
	evt := Event{
		RunID:     UUIDToBytes(uuid.New()),
		RequestID: uuid.NewString(),
		TS:        time.Now(),
		Stage:     stage,
		Site:      "example.com",
		URL:       "https://example.com/",
		Attempt:   1,
	}
	switch stage {
	case StageAttemptDone:
		evt.Verdict = "ok"
		evt.StatusClass = Status2xx
	case StageOutcome:
		evt.Kind = "success"
	}
	return evt
}
