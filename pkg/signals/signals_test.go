package signals

import (
	"context"
	"syscall"
	"testing"
	"time"
)

func TestSetupSIGTERM(t *testing.T) {
	stopCh := make(chan struct{})
	ctx := Setup(stopCh)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})

	select {
	case <-stopCh:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for stopCh after SIGTERM")
	}

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ctx.Done() after SIGTERM")
	}
}

func TestSetupSIGINTWithoutStopChannel(t *testing.T) {
	ctx := Setup(nil)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	})

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ctx.Done() after SIGINT")
	}
}

func TestOnHangup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := make(chan struct{}, 1)
	OnHangup(ctx, func() { called <- struct{}{} })

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	})

	select {
	case <-called:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("hangup hook not called")
	}
}
