package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitForComponents(t *testing.T) {
	stopped := make(chan struct{})
	close(stopped)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Empty(t, waitForComponents(ctx, component{"link", stopped}, component{"monitor", stopped}))
}

func TestWaitForComponents_SharedDeadline(t *testing.T) {
	hung1 := make(chan struct{})
	hung2 := make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := make(chan []string, 1)
	go func() {
		result <- waitForComponents(ctx, component{"link", hung1}, component{"monitor", hung2})
	}()

	select {
	case pending := <-result:
		assert.Equal(t, []string{"link", "monitor"}, pending)
	case <-time.After(time.Second):
		t.Fatal("second wait outlived the deadline")
	}
}
