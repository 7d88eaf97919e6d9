package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/wallet"
)

func TestSink_MirrorsEvents(t *testing.T) {
	mock := NewMockPublisher()
	sink := NewSink(mock, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	ev := wallet.Event{
		Tag:         wallet.TagSettled,
		Transaction: &db.Transaction{Kind: db.KindInvoice, Hash: "aa"},
	}
	sink.Publish(context.Background(), ev)

	published := mock.GetPublishedEvents()
	require.Len(t, published, 1)
	assert.Equal(t, wallet.TagSettled, published[0].Tag)
	assert.Equal(t, "aa", published[0].Transaction.Hash)
}

func TestSink_SwallowsPublishErrors(t *testing.T) {
	mock := NewMockPublisher()
	mock.SetPublishError(errors.New("nats unavailable"))
	sink := NewSink(mock, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	// Must not panic or propagate anything.
	sink.Publish(context.Background(), wallet.Event{
		Tag:         wallet.TagCreated,
		Transaction: &db.Transaction{Hash: "bb"},
	})
	assert.Empty(t, mock.GetPublishedEvents())
}
