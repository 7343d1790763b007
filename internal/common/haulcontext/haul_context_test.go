package haulcontext

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultLogger = logrus.WithField("foo", "bar")

func TestNew(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	require.Equal(t, defaultLogger, ctx.Log)
	require.Equal(t, context.Background(), ctx.Context)
}

func TestFromContext_KeepsExistingLogger(t *testing.T) {
	ctx := New(context.Background(), defaultLogger)
	assert.Same(t, ctx, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()).Log)
}

func TestWithLogField(t *testing.T) {
	ctx := WithLogField(Background(), "fish", "chips")
	assert.Equal(t, logrus.Fields{"fish": "chips"}, ctx.Log.Data)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogFields(Background(), logrus.Fields{"fish": "chips", "salt": "pepper"})
	assert.Equal(t, logrus.Fields{"fish": "chips", "salt": "pepper"}, ctx.Log.Data)
}

func TestWithCancel(t *testing.T) {
	ctx, cancel := WithCancel(New(context.Background(), defaultLogger))
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, defaultLogger, ctx.Log)
}

func TestWithoutCancel(t *testing.T) {
	parent, cancel := WithCancel(New(context.Background(), defaultLogger))
	detached := WithoutCancel(parent)
	cancel()
	assert.ErrorIs(t, parent.Err(), context.Canceled)
	assert.NoError(t, detached.Err())
	assert.Equal(t, defaultLogger, detached.Log)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 10*time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context did not time out")
	}
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(New(context.Background(), defaultLogger))
	called := false
	g.Go(func() error {
		called = true
		return nil
	})
	require.NoError(t, g.Wait())
	assert.True(t, called)
	assert.Equal(t, defaultLogger, ctx.Log)
}
