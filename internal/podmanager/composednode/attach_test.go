package composednode

import (
	"context"
	"errors"
	"testing"

	"podm/internal/common"
	"podm/internal/podmanager/southbound"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachResource(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")

	updated, err := f.manager.AttachResource(context.Background(), node.ID, "rd-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1", "disk-1", "rd-1"}, updated.Resources)
	f.assertOwnedBy(t, node.ID, "rd-1")
	assert.Equal(t, 1, f.sim.Calls(southbound.OpAttach))

	again, err := f.manager.AttachResource(context.Background(), node.ID, "rd-1")
	require.NoError(t, err, "attaching an owned resource is a no-op")
	assert.Equal(t, updated.Resources, again.Resources)
	assert.Equal(t, 1, f.sim.Calls(southbound.OpAttach))
}

func TestAttachRejectsIncompatibleResources(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")

	_, err := f.manager.AttachResource(context.Background(), node.ID, "mem-1")
	assert.True(t, errors.Is(err, common.ErrIncompatibleResource), "memory is not attachable")

	_, err = f.manager.AttachResource(context.Background(), node.ID, "disk-3")
	assert.True(t, errors.Is(err, common.ErrIncompatibleResource), "disk-3 is smaller than the requested minimum")

	_, err = f.manager.AttachResource(context.Background(), node.ID, "disk-2")
	assert.True(t, errors.Is(err, common.ErrIncompatibleResource), "disk-2 lives in another chassis")

	_, err = f.manager.AttachResource(context.Background(), node.ID, "missing")
	assert.True(t, errors.Is(err, common.ErrResourceNotFound))

	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, []string{"cpu-1", "disk-1"}, got.Resources)
	f.assertFree(t, "mem-1", "disk-2", "disk-3")
	assert.Equal(t, 0, f.sim.Calls(southbound.OpAttach))
}

func TestAttachConflict(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")
	other := f.allocate(t, "rd-1")

	_, err := f.manager.AttachResource(context.Background(), node.ID, "rd-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrResourceConflict))
	f.assertOwnedBy(t, other.ID, "rd-1")
}

func TestAttachSouthboundFailureReleasesResource(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")
	f.sim.InjectFailure(southbound.OpAttach, errors.New("fabric zone full"))

	_, err := f.manager.AttachResource(context.Background(), node.ID, "rd-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrAttachFailed))

	f.assertFree(t, "rd-1")
	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, []string{"cpu-1", "disk-1"}, got.Resources)
	assert.Equal(t, common.NodeStateAssembled, got.State)
}

func TestDetachNotOwned(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")

	_, err := f.manager.DetachResource(context.Background(), node.ID, "disk-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotOwned))

	var notOwned *common.NotOwnedError
	require.True(t, errors.As(err, &notOwned))
	assert.Equal(t, "disk-2", notOwned.ResourceID)
	assert.Equal(t, node.ID, notOwned.NodeID)

	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, []string{"cpu-1", "disk-1"}, got.Resources)
	f.assertOwnedBy(t, node.ID, "cpu-1", "disk-1")
	assert.Equal(t, 0, f.sim.Calls(southbound.OpDetach))
}

func TestDetachResource(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")

	updated, err := f.manager.DetachResource(context.Background(), node.ID, "disk-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1"}, updated.Resources)
	f.assertFree(t, "disk-1")

	stored, err := f.store.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1"}, stored.Resources)
}

func TestDetachSouthboundFailureKeepsOwnership(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")
	f.sim.InjectFailure(southbound.OpDetach, errors.New("drive busy"))

	_, err := f.manager.DetachResource(context.Background(), node.ID, "disk-1")
	assert.True(t, errors.Is(err, common.ErrDetachFailed))

	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, []string{"cpu-1", "disk-1"}, got.Resources)
	f.assertOwnedBy(t, node.ID, "disk-1")
}

func TestDetachRecomputesResetTypes(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")
	require.NotEmpty(t, node.AllowableResetTypes)

	updated, err := f.manager.DetachResource(context.Background(), node.ID, "cpu-1")
	require.NoError(t, err)
	assert.Empty(t, updated.AllowableResetTypes)

	_, err = f.manager.Reset(context.Background(), node.ID, common.ResetOn)
	assert.True(t, errors.Is(err, common.ErrUnsupportedResetType))
}
