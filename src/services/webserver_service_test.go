package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebServerServiceLifecycle(t *testing.T) {
	process := &fakeProcess{done: make(chan error, 1)}
	runner := &fakeRunner{process: process}
	w := NewWebServerService(runner)
	ctx := context.Background()

	assert.False(t, w.Ready())
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.Ready())

	// 已经在运行时不会重复启动
	require.NoError(t, w.Start(ctx))
	require.Len(t, runner.Calls(), 1)
	assert.Equal(t, []string{"/docker-entrypoint.sh", "nginx", "-g", "daemon off;"}, runner.Calls()[0])

	process.done <- &ExitError{Code: 1}
	assert.Eventually(t, func() bool { return !w.Ready() }, time.Second, 10*time.Millisecond)

	var exitErr *ExitError
	assert.True(t, errors.As(w.LastError(), &exitErr))
}

func TestWebServerServiceStartFailure(t *testing.T) {
	w := NewWebServerService(&fakeRunner{startErr: errors.New("no such file")})

	assert.Error(t, w.Start(context.Background()))
	assert.False(t, w.Ready())
	assert.Error(t, w.LastError())
}

func TestExternalWebServer(t *testing.T) {
	w := NewExternalWebServer()
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.Ready())
}
