package consumer

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"user_id":"b3b0c4d2-8f64-4a2e-9a3f-09d4f1f1a001","source":"oura"}`)
	msg := kafka.Message{
		Topic:     "healthsync.sync.significant-change",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Key:       []byte("b3b0c4d2-8f64-4a2e-9a3f-09d4f1f1a001"),
		Value:     payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("sync.significant_change")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &recordingHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "sync.significant_change", handler.last.EventType)
	require.Equal(t, "b3b0c4d2-8f64-4a2e-9a3f-09d4f1f1a001", handler.last.Key)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := kafka.Message{
		Topic:     "healthsync.sync.significant-change",
		Partition: 0,
		Offset:    20,
		Time:      time.Now().UTC(),
		Value:     []byte(`{"user_id":"b3b0c4d2-8f64-4a2e-9a3f-09d4f1f1a001"}`),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("sync.significant_change")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{msg},
		after:    contextCanceled,
	}
	handler := &recordingHandler{err: errors.New("boom")}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	noHeader := kafka.Message{
		Topic: "healthsync.sync.significant-change",
		Value: []byte(`{}`),
	}
	badJSON := kafka.Message{
		Topic: "healthsync.sync.significant-change",
		Value: []byte(`{"user_id":`),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("sync.significant_change")},
		},
	}

	reader := &stubReader{
		messages: []kafka.Message{noHeader, badJSON},
		after:    contextCanceled,
	}
	handler := &recordingHandler{}

	processor := NewProcessor(reader, handler, WithLogger(log.New(testWriter{t}, "", 0)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Both malformed messages are committed without reaching the handler.
	require.Equal(t, 0, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type recordingHandler struct {
	calls int
	err   error
	last  Message
}

func (h *recordingHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
