package helpers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/accountbot/core/telegram/sender"
)

func TestEnqueue_InlineWithoutDispatcher(t *testing.T) {
	SetDispatcher(nil)
	ran := false
	require.NoError(t, Enqueue(context.Background(), "send.text", "sendMessage", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestEnqueue_ClosedQueueRunsInline(t *testing.T) {
	d := sender.NewDispatcher(sender.Options{Workers: 1})
	d.Close()
	SetDispatcher(d)
	t.Cleanup(func() { SetDispatcher(nil) })

	before := Bypassed()
	ran := false
	require.NoError(t, Enqueue(context.Background(), "send.text", "sendMessage", func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Equal(t, before+1, Bypassed())
}

func TestEnqueue_Dispatched(t *testing.T) {
	d := sender.NewDispatcher(sender.Options{Workers: 1})
	SetDispatcher(d)
	t.Cleanup(func() {
		SetDispatcher(nil)
		d.Close()
	})

	var ran atomic.Bool
	require.NoError(t, Enqueue(context.Background(), "send.text", "sendMessage", func() error {
		ran.Store(true)
		return nil
	}))
	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}
