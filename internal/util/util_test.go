package util

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger(t *testing.T) {
	defer func() { logger = nil }()

	require.NoError(t, InitLogger("production", "warn"))
	assert.False(t, GetLogger().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, GetLogger().Core().Enabled(zapcore.WarnLevel))

	require.NoError(t, InitLogger("test", ""))
	assert.False(t, Named("queue").Core().Enabled(zapcore.ErrorLevel))

	assert.Error(t, InitLogger("development", "loud"))
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "Test.Span", AttrOrderID.Int64(7))
	defer span.End()

	assert.NotNil(t, ctx)
	FailSpan(span, nil)
	FailSpan(span, errors.New("boom"))
}
