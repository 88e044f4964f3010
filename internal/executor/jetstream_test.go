package executor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wecook/internal/auth"
)

// Runs against a live JetStream-enabled server, e.g. `nats-server -js`.
func TestJetStream_Integration(t *testing.T) {
	url := os.Getenv("WECOOK_TEST_NATS_URL")
	if url == "" {
		t.Skip("WECOOK_TEST_NATS_URL not set")
	}

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tokens := auth.NewTokens("secret", time.Hour)
	exec, err := NewJetStream(ctx, nc, tokens)
	require.NoError(t, err)

	batchKey := "meal-plan-it-" + time.Now().Format("20060102150405.000000000")
	jobs := testJobs("it", 2)
	for i := range jobs {
		jobs[i].IdempotencyKey = batchKey + "-" + jobs[i].IdempotencyKey
	}

	first, err := exec.TriggerBatch(ctx, jobs, batchKey)
	require.NoError(t, err)
	second, err := exec.TriggerBatch(ctx, jobs, batchKey)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	statuses, err := exec.List(ctx, first.BatchID, first.AccessToken)
	require.NoError(t, err)
	assert.Len(t, statuses, 2)

	updates, err := exec.Subscribe(ctx, first.BatchID, first.AccessToken)
	require.NoError(t, err)
	for range 2 {
		<-updates
	}

	done := statuses[0]
	done.State = StateCompleted
	done.Output = "recipe-1"
	require.NoError(t, exec.UpdateStatus(ctx, done))

	st := <-updates
	assert.Equal(t, StateCompleted, st.State)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, JobsStream)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.State.Msgs, uint64(2))
}
