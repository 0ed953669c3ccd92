package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jesuslovei/memory-check-drive/internal/config"
	"github.com/jesuslovei/memory-check-drive/internal/natsserver"
	"github.com/jesuslovei/memory-check-drive/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func sampleEvent() protocol.SubmissionRecorded {
	return protocol.SubmissionRecorded{
		SubmissionID:  "0b7c9d1e",
		SubmitterName: "kim",
		Language:      "kr",
		VerseScope:    "V1",
		Transcript:    "사랑은 오래참고",
		Scores:        []protocol.VerseScore{{VerseID: "V1", Score: 1}},
		Passed:        true,
		Threshold:     0.85,
		Timestamp:     time.Date(2024, 3, 20, 10, 15, 0, 0, time.UTC),
	}
}

func TestPublishSubmission(t *testing.T) {
	srv := startServer(t)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.True(t, client.Healthy())

	sub, err := client.Conn().SubscribeSync(protocol.SubjectSubmissionPrefix + ".>")
	require.NoError(t, err)

	require.NoError(t, client.PublishSubmission(context.Background(), sampleEvent()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.SubjectSubmissionRecorded, msg.Subject)

	var got protocol.SubmissionRecorded
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, sampleEvent(), got)
}

func TestPublishSubmissionToStream(t *testing.T) {
	srv := startServer(t)

	cfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000, Stream: "MEMCHECK"}
	client, err := Connect(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.PublishSubmission(context.Background(), sampleEvent()))
	// same submission id is deduplicated by the stream
	require.NoError(t, client.PublishSubmission(context.Background(), sampleEvent()))

	js, err := client.Conn().JetStream()
	require.NoError(t, err)
	info, err := js.StreamInfo("MEMCHECK")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	// reconnecting reuses the existing stream
	again, err := Connect(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	again.Close()
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), config.BusConfig{}, newLogger())
	require.Error(t, err)
}

func TestNilClientPublishIsNoop(t *testing.T) {
	var c *Client
	require.NoError(t, c.PublishSubmission(context.Background(), sampleEvent()))
	assert.False(t, c.Healthy())
}
