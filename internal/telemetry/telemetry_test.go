package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{}, "taskboard", "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer("").Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Enabled: true, Stdout: true, Writer: &buf}, "taskboard", "test")
	require.NoError(t, err)

	_, span := Tracer("").Start(context.Background(), "engine.test")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	require.Contains(t, buf.String(), "engine.test")

	// leave later tests with no-op providers
	_, err = Init(context.Background(), Config{}, "taskboard", "test")
	require.NoError(t, err)
}
