package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/refbench/extractq/internal/config"
	"github.com/refbench/extractq/internal/publisher/memory"
)

func TestNewPublisherNone(t *testing.T) {
	t.Parallel()

	pub, err := newPublisher(context.Background(), config.PublisherConfig{Provider: "none"}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, pub)

	pub, err = newPublisher(context.Background(), config.PublisherConfig{}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, pub)
}

func TestNewPublisherMemory(t *testing.T) {
	t.Parallel()

	pub, err := newPublisher(context.Background(), config.PublisherConfig{Provider: "memory"}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &memory.Publisher{}, pub)
}

func TestNewPublisherUnknown(t *testing.T) {
	t.Parallel()

	_, err := newPublisher(context.Background(), config.PublisherConfig{Provider: "kafka"}, zap.NewNop())
	require.ErrorContains(t, err, "unknown publisher provider")
}
