package eventlog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureCountersAreMonotonicPerEvent(t *testing.T) {
	events := Discard()
	delivery := events.For(FeatureDelivery)
	typing := events.For(FeatureTyping)

	delivery.Event("sent", nil)
	delivery.Event("sent", logrus.Fields{"message_id": "m1"})
	delivery.Warn("retry_scheduled", errors.New("ack timeout"), nil)
	typing.Info("started", nil)

	assert.Equal(t, uint64(2), events.Count("delivery.sent"))
	assert.Equal(t, uint64(2), delivery.Count("sent"))
	assert.Equal(t, uint64(1), events.Count("delivery.retry_scheduled"))
	assert.Equal(t, uint64(1), typing.Count("started"))
	assert.Equal(t, uint64(0), typing.Count("sent"))
	assert.Equal(t, []string{"delivery.retry_scheduled", "delivery.sent", "typing.started"}, events.Keys())

	snapshot := events.Counters()
	snapshot["delivery.sent"] = 100
	assert.Equal(t, uint64(2), events.Count("delivery.sent"), "snapshot must be a copy")
}

func TestNewLoggerWritesFeatureFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "json", &buf)
	require.NoError(t, err)

	New(logger).For(FeaturePresence).Info("went_online", logrus.Fields{"user_id": "u1"})

	out := buf.String()
	assert.Contains(t, out, `"feature":"presence"`)
	assert.Contains(t, out, `"event":"went_online"`)
	assert.Contains(t, out, `"user_id":"u1"`)
}

func TestNewLoggerRejectsBadSettings(t *testing.T) {
	_, err := NewLogger("loud", "text", nil)
	assert.Error(t, err)

	_, err = NewLogger("info", "xml", nil)
	assert.Error(t, err)

	logger, err := NewLogger("", "", nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
