package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerProviderExportsToWriter(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, Config{
		ServiceName: "repo-collector",
		InstanceID:  "inst-1",
		Stdout:      true,
		Writer:      &buf,
		SampleRatio: 1,
	})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(ctx, "collector.unit")
	span.End()
	require.NoError(t, tp.Shutdown(ctx))

	require.Contains(t, buf.String(), "collector.unit")
	require.Contains(t, buf.String(), "inst-1")
}

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "repo-collector"})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(ctx, "noop")
	require.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.Shutdown(ctx))
}
