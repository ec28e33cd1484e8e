package logger

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLogger_ReusesExistingLogger(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)
	assert.NotEmpty(t, rlog.Data["sessionID"])

	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, ctx2)
	assert.Equal(t, rlog, rlog2)
	assert.Equal(t, rlog, FromContext(ctx))
}

func TestContextWithLoggerDevice_KeepsSessionID(t *testing.T) {
	ctx, parent := ContextWithLogger(context.Background())
	ctx, rlog := ContextWithLoggerDevice(ctx, "gateway")
	assert.Equal(t, parent.Data["sessionID"], rlog.Data["sessionID"])
	assert.Equal(t, "gateway", rlog.Data["device"])
	assert.Equal(t, rlog, FromContext(ctx))
}

func TestFromContext_WithoutLogger(t *testing.T) {
	rlog := FromContext(context.Background())
	require.NotNil(t, rlog)
	assert.Empty(t, rlog.Data)
}

func TestForComponent(t *testing.T) {
	assert.Equal(t, "ota", ForComponent("ota").Data["component"])
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, level)

	level, err = ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
