package webservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerPairBindsConsecutivePorts(t *testing.T) {
	n := newNetwork()
	p := n.pair(30 * time.Second)

	require.NoError(t, p.Start(context.Background(), 2000))
	assert.Equal(t, []int{2000, 2001}, n.ports())
	assert.True(t, p.RequestAlive())
	assert.True(t, p.PushAlive())
	assert.Equal(t, 2000, p.Port())
	assert.Equal(t, 30*time.Second, n.server(2001).idle)
	assert.Zero(t, n.server(2000).idle, "request server has no idle bound")

	require.NoError(t, p.Stop())
	assert.Empty(t, n.ports())
	assert.False(t, p.AnyAlive())
	require.NoError(t, p.Stop(), "second stop is a no-op")
}

func TestServerPairStartWithTimeoutOverridesIdle(t *testing.T) {
	n := newNetwork()
	p := n.pair(30 * time.Second)
	require.NoError(t, p.StartWithTimeout(context.Background(), 2000, 5*time.Second))
	defer p.Stop()
	assert.Equal(t, 5*time.Second, n.server(2001).idle)
}

func TestServerPairRollsBackRequestWhenPushFails(t *testing.T) {
	n := newNetwork()
	n.failOn[2001] = errPermission
	p := n.pair(time.Second)

	err := p.Start(context.Background(), 2000)
	assert.ErrorIs(t, err, errPermission)
	assert.Empty(t, n.ports(), "request server must be released")
	assert.False(t, p.AnyAlive())
	assert.Zero(t, p.Port())
}

func TestServerPairRefusesSecondStart(t *testing.T) {
	n := newNetwork()
	p := n.pair(time.Second)
	require.NoError(t, p.Start(context.Background(), 2000))
	defer p.Stop()
	assert.Error(t, p.Start(context.Background(), 3000))
	assert.Equal(t, []int{2000, 2001}, n.ports())
}
