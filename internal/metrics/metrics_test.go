package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sapphiregw/meshgw/internal/metrics"
	"github.com/stretchr/testify/require"
)

func TestRegisterOnFreshRegistryDoesNotPanic(t *testing.T) {
	registry := prometheus.NewRegistry()

	require.NotPanics(t, func() { metrics.Register(registry) })
}

func TestPacketsDroppedIncrements(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	metrics.PacketsDropped.WithLabelValues(metrics.ReasonChecksum).Inc()

	mfs, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
