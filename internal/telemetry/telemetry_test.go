package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "kobo", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestMeterReturnsInstrumentScope(t *testing.T) {
	counter, err := Meter("kobo/test").Int64Counter("kobo.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
}
