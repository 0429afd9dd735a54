package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishEncodesPayload(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "results")
	require.NoError(t, err)

	pub := New(client)
	defer pub.Stop()

	msg := scrape.ResultMessage{JobID: "job-1", Action: scrape.ActionScrapeResult, Success: true}
	id, err := pub.Publish(ctx, "results", msg)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stored := srv.Messages()
	require.Len(t, stored, 1)
	var got scrape.ResultMessage
	require.NoError(t, json.Unmarshal(stored[0].Data, &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.True(t, got.Success)
}

func TestPublishPropagatesTrace(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "results")
	require.NoError(t, err)

	carrier := &pubsubCarrier{attrs: map[string]string{}}
	prop := propagation.TraceContext{}
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	spanCtx := trace.ContextWithSpanContext(ctx, sc)
	prop.Inject(spanCtx, carrier)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, carrier.Keys())

	pub := New(client)
	defer pub.Stop()
	_, err = pub.Publish(spanCtx, "results", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Len(t, srv.Messages(), 1)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "results", "x")
	require.Error(t, err)
}

func TestPublishMissingTopic(t *testing.T) {
	client, _ := newTestClient(t)
	pub := New(client)
	defer pub.Stop()

	_, err := pub.Publish(context.Background(), "missing", "x")
	require.Error(t, err)
}
