package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/fetchgate/internal/progress"
	"github.com/JakeFAU/fetchgate/internal/store"
)

func sampleBatch() []progress.Event {
	run := progress.UUIDToBytes(uuid.MustParse("6f1c3f0e-9d4c-4a51-8f53-0e7e3c1e2a10"))
	now := time.Unix(1700000000, 0)
	return []progress.Event{
		{RunID: run, TS: now, Stage: progress.StageRunStart},
		{
			RunID: run, RequestID: "req-1", TS: now, Stage: progress.StageAttemptDone,
			Site: "example.com", URL: "https://example.com/a", Attempt: 1, Verdict: "challenged",
			StatusCode: 200, StatusClass: progress.Status2xx, Dur: 300 * time.Millisecond,
		},
		{
			RunID: run, RequestID: "req-1", TS: now.Add(time.Second), Stage: progress.StageOutcome,
			Site: "example.com", URL: "https://example.com/a", Attempt: 2, Kind: "success",
			StatusCode: 200, Bytes: 2048, Dur: 2 * time.Second,
		},
		{
			RunID: run, RequestID: "req-2", TS: now.Add(2 * time.Second), Stage: progress.StageOutcome,
			Site: "example.com", URL: "https://example.com/b", Attempt: 1, Kind: "failed",
			StatusCode: 404, Note: "terminal: status 404",
		},
	}
}

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("example.com", "challenged", "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.outcomes.WithLabelValues("example.com", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.outcomes.WithLabelValues("example.com", "failed")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.bytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.attemptDuration, "fetchgate_site_attempt_duration_seconds"))

	_, err = NewPrometheusSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSinkWritesOutcomesAtInfo(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.NoError(t, sink.Close(context.Background()))

	// Run start plus two outcomes; the attempt is debug-only.
	require.Equal(t, 3, logs.Len())
	last := logs.All()[2].ContextMap()
	assert.Equal(t, "req-2", last["request_id"])
	assert.Equal(t, "failed", last["kind"])
}

func TestStoreSinkPersistsOutcomesOnly(t *testing.T) {
	t.Parallel()

	repo := &fakeOutcomeRepo{}
	sink := NewStoreSink(repo, nil)
	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.Len(t, repo.records, 2)
	first := repo.records[0]
	assert.Equal(t, "req-1", first.RequestID)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, int64(2048), first.Bytes)
	assert.Nil(t, first.Error)
	second := repo.records[1]
	require.NotNil(t, second.Error)
	assert.Equal(t, "terminal: status 404", *second.Error)
	assert.Equal(t, 404, second.StatusCode)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()[:2]))
	assert.Equal(t, 1, repo.calls, "batches without outcomes skip the repository")
}

func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(&fakeOutcomeRepo{fail: true}, nil)
	err := sink.Consume(context.Background(), sampleBatch())
	require.ErrorContains(t, err, "insert outcomes")

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), sampleBatch()))
}

func TestPubSubSinkPublishesOutcomes(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, "outcomes")
	require.NoError(t, err)

	sink, err := NewPubSubSink(topic)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(ctx, sampleBatch()))
	require.NoError(t, sink.Close(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	var decoded OutcomeMessage
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, "req-1", decoded.RequestID)
	assert.Equal(t, "success", decoded.Kind)
	assert.Equal(t, int64(2000), decoded.DurationMS)
	assert.Equal(t, "success", msgs[0].Attributes["kind"])

	_, err = NewPubSubSink(nil)
	require.Error(t, err)
}

type fakeOutcomeRepo struct {
	fail    bool
	calls   int
	records []store.OutcomeRecord
}

func (f *fakeOutcomeRepo) InsertOutcomes(_ context.Context, records []store.OutcomeRecord) error {
	f.calls++
	if f.fail {
		return errors.New("database unavailable")
	}
	f.records = append(f.records, records...)
	return nil
}
