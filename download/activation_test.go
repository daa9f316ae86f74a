package download

import (
	"sync/atomic"
	"testing"

	"github.com/cenkalti/rainctl/swarm"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionDeclinesSixthRequest(t *testing.T) {
	defer leaktest.Check(t)()
	var activations atomic.Int32
	e := newTestEnvConfig(t, testConfig(t.TempDir()), Options{
		Activator: ActivatorFunc(func(*Download) bool {
			activations.Add(1)
			return true
		}),
	})
	defer e.r.Close()

	d := e.add(t)
	assert.Equal(t, swarm.ActivationDeclined, d.ActivateRequest("10.0.0.1:6881"))
	require.NoError(t, d.SetQueued())

	for i := 0; i < 5; i++ {
		assert.Equal(t, swarm.ActivationAccepted, d.ActivateRequest("10.0.0.1:6881"), i)
	}
	assert.Equal(t, swarm.ActivationDeclined, d.ActivateRequest("10.0.0.1:7000"))
	assert.Equal(t, int32(5), activations.Load())
	assert.Greater(t, d.ActivationCount(), 0)

	assert.Equal(t, swarm.ActivationAccepted, d.ActivateRequest("10.0.0.2:6881"))

	d.DeactivateRequest("10.0.0.1:6881")
	assert.Equal(t, swarm.ActivationAccepted, d.ActivateRequest("10.0.0.1:6881"))
}

func TestDefaultActivatorWakesQueued(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	require.NoError(t, d.SetQueued())
	assert.Equal(t, swarm.ActivationAccepted, d.ActivateRequest("[::1]:6881"))
	assert.Equal(t, Waiting, d.State())
}

func TestAddressKey(t *testing.T) {
	assert.Equal(t, []byte{10, 0, 0, 1}, addressKey("10.0.0.1:6881"))
	assert.Equal(t, addressKey("10.0.0.1:1"), addressKey("10.0.0.1:2"))
	assert.Len(t, addressKey("[2001:db8::1]:6881"), 16)
	assert.Equal(t, []byte("peer.example.com"), addressKey("peer.example.com"))
}

func TestLightSeedIsExclusiveWithTracker(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()
	e.trackers.Addresses = map[string]bool{"192.0.2.1:6969": true}

	d := e.add(t)
	e.start(t, d)
	e.swarms.Last().Adapter.Seeding(false)
	wait(d.Stop(Queued, false, false, false))
	require.Equal(t, Queued, d.State())

	d.SetLightSeedEligible(true)
	require.True(t, d.HasLightSeed())
	assert.Equal(t, Seeding, d.SubState())
	light := e.trackers.Last()
	assert.Equal(t, []bool{true}, light.Updates())
	assert.Equal(t, swarm.ActivationProbeAccepted, d.ActivateRequest("192.0.2.1:6969"))
	assert.Equal(t, 0, d.ActivationCount())

	// a second call does not create another tracker
	d.SetLightSeedEligible(true)
	assert.Len(t, e.trackers.Handles(), 2)

	e.start(t, d)
	assert.False(t, d.HasLightSeed())
	assert.True(t, light.Destroyed())
	var live int
	for _, h := range e.trackers.Handles() {
		if !h.Destroyed() {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestLightSeedRequiresCompleteQueued(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	require.NoError(t, d.SetQueued())
	d.SetLightSeedEligible(true)
	assert.False(t, d.HasLightSeed())
	assert.Equal(t, 0, e.trackers.Calls())
}

func TestLightSeedDestroyedWhenIneligible(t *testing.T) {
	defer leaktest.Check(t)()
	e := newTestEnv(t)
	defer e.r.Close()

	d := e.add(t)
	e.start(t, d)
	e.swarms.Last().Adapter.Seeding(false)
	wait(d.Stop(Queued, false, false, false))
	d.SetLightSeedEligible(true)
	require.True(t, d.HasLightSeed())
	light := e.trackers.Last()

	d.SetLightSeedEligible(false)
	assert.False(t, d.HasLightSeed())
	assert.True(t, light.Destroyed())
	assert.Equal(t, []bool{false}, light.Stops())
}
