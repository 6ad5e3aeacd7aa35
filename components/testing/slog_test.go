package comptesting

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestNewLoggerWithWriter(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	buf := &bytes.Buffer{}
	log := NewLoggerWithWriter(buf, clk).With("component", "test")

	log.Debug("first")
	clk.Step(time.Minute)
	log.WithGroup("g").Info("second", "k", "v")

	out := buf.String()
	assert.Contains(t, out, `time=2025-01-01T09:00:00.000Z level=DEBUG msg=first component=test`)
	assert.Contains(t, out, `time=2025-01-01T09:01:00.000Z level=INFO msg=second component=test g.k=v`)
}
