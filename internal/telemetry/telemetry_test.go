package telemetry

import (
	"context"
	"testing"

	"github.com/abhi9avx/cognigraph-ai/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: false, OTLPEndpoint: "localhost:4317"}, "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = Init(context.Background(), config.TelemetryConfig{Enabled: true}, "test")
	require.NoError(t, err, "no endpoint means disabled")
	assert.NoError(t, shutdown(context.Background()))
}
