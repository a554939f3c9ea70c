package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCommandMetrics(t *testing.T) {
	CommandsTotal.Reset()
	CommandDuration.Reset()

	CommandsTotal.WithLabelValues("RETR", "success").Inc()
	CommandsTotal.WithLabelValues("RETR", "success").Inc()
	CommandsTotal.WithLabelValues("RETR", "failure").Inc()
	CommandDuration.WithLabelValues("RETR").Observe(0.02)

	assert.Equal(t, float64(2), testutil.ToFloat64(CommandsTotal.WithLabelValues("RETR", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(CommandsTotal.WithLabelValues("RETR", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(CommandDuration))
}

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()

	ConnectionsTotal.WithLabelValues("pop3").Inc()
	ConnectionsCurrent.WithLabelValues("pop3").Inc()
	ConnectionsCurrent.WithLabelValues("pop3s").Inc()
	ConnectionsCurrent.WithLabelValues("pop3").Dec()

	assert.Equal(t, float64(1), testutil.ToFloat64(ConnectionsTotal.WithLabelValues("pop3")))
	assert.Equal(t, float64(0), testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("pop3")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("pop3s")))
}
