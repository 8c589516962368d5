package main

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandleSignalsDrainsOnSIGUSR2(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handleSignals(ctx)
	}()

	// give the goroutine time to register the handler before raising
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR2))

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "caught signal")
	case <-ctx.Done():
		t.Fatal("handleSignals did not return after SIGUSR2")
	}
}

func TestHandleSignalsReturnsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, handleSignals(ctx))
}
