package composednode

import (
	"context"
	"errors"
	"testing"
	"time"

	"podm/internal/common"
	"podm/internal/podmanager/inventory"
	"podm/internal/podmanager/recovery"
	"podm/internal/podmanager/reservation"
	"podm/internal/podmanager/southbound"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	index   *inventory.Index
	sim     *southbound.SimulatedConfigurator
	store   recovery.NodeStore
	manager *Manager
}

func testConfig() Config {
	return Config{
		SouthboundTimeout:    time.Second,
		RemovalMaxAttempts:   3,
		RemovalRetryInterval: 0,
		MaxRemovedNodes:      10,
	}
}

func seedInventory(t *testing.T, idx *inventory.Index) {
	t.Helper()
	resources := []common.Resource{
		{
			ID: "cpu-1", Kind: common.KindProcessor, ChassisID: "chassis-1",
			ResetTypes: []common.ResetType{common.ResetOn, common.ResetForceOff, common.ResetGracefulRestart},
			Processor:  &common.ProcessorAttributes{Model: "Xeon", TotalCores: 16},
		},
		{ID: "mem-1", Kind: common.KindMemory, Memory: &common.MemoryAttributes{CapacityMiB: 16384}},
		{ID: "mem-2", Kind: common.KindMemory, Memory: &common.MemoryAttributes{CapacityMiB: 16384}},
		{ID: "disk-1", Kind: common.KindLocalDrive, ChassisID: "chassis-1", Drive: &common.DriveAttributes{CapacityGiB: 480}},
		{ID: "disk-2", Kind: common.KindLocalDrive, ChassisID: "chassis-2", Drive: &common.DriveAttributes{CapacityGiB: 480}},
		{ID: "disk-3", Kind: common.KindLocalDrive, ChassisID: "chassis-1", Drive: &common.DriveAttributes{CapacityGiB: 120}},
		{ID: "rd-1", Kind: common.KindRemoteDrive, Drive: &common.DriveAttributes{CapacityGiB: 1024, Protocol: "NVMeOverFabrics"}},
	}
	for _, res := range resources {
		require.NoError(t, idx.Upsert(res))
	}
}

func newFixture(t *testing.T, config Config, store recovery.NodeStore) *fixture {
	t.Helper()
	idx := inventory.NewIndex()
	seedInventory(t, idx)
	if store == nil {
		store = recovery.NewMemoryNodeStore()
	}
	sim := southbound.NewSimulatedConfigurator(0)
	m := NewManager(config, Dependencies{
		Index:        idx,
		Reservations: reservation.NewManager(idx, nil),
		Configurator: sim,
		Store:        store,
	})
	t.Cleanup(func() { _ = m.Stop() })
	return &fixture{index: idx, sim: sim, store: store, manager: m}
}

func (f *fixture) assertFree(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		res, ok := f.index.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, common.ResourceStateFree, res.State, id)
		assert.Empty(t, res.Owner, id)
	}
}

func (f *fixture) assertOwnedBy(t *testing.T, nodeID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		res, ok := f.index.Get(id)
		require.True(t, ok, id)
		assert.Equal(t, common.ResourceStateAllocated, res.State, id)
		assert.Equal(t, nodeID, res.Owner, id)
	}
}

func (f *fixture) allocate(t *testing.T, ids ...string) *common.ComposedNode {
	t.Helper()
	req := common.RequestedNode{
		Name:        "web",
		Processors:  []common.ProcessorRequirement{{Count: 1}},
		LocalDrives: []common.DriveRequirement{{Count: 1, MinCapacityGiB: 200}},
	}
	node, err := f.manager.Allocate(context.Background(), req, ids)
	require.NoError(t, err)
	return node
}

func (f *fixture) assembled(t *testing.T, ids ...string) *common.ComposedNode {
	t.Helper()
	node := f.allocate(t, ids...)
	node, err := f.manager.Assemble(context.Background(), node.ID)
	require.NoError(t, err)
	require.Equal(t, common.NodeStateAssembled, node.State)
	return node
}

func TestAllocateCreatesAllocatedNode(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	node := f.allocate(t, "mem-1", "cpu-1")
	assert.Equal(t, "1", node.ID)
	assert.NotEmpty(t, node.UUID)
	assert.Equal(t, "web", node.Name)
	assert.Equal(t, common.NodeStateAllocated, node.State)
	assert.Equal(t, []string{"cpu-1", "mem-1"}, node.Resources)
	assert.Equal(t,
		[]common.ResetType{common.ResetForceOff, common.ResetGracefulRestart, common.ResetOn},
		node.AllowableResetTypes)
	f.assertOwnedBy(t, node.ID, "cpu-1", "mem-1")

	stored, err := f.store.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateAllocated, stored.State)

	second := f.allocate(t, "mem-2")
	assert.Equal(t, "2", second.ID)
}

func TestAllocateConflictCreatesNoNode(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.allocate(t, "cpu-1")

	_, err := f.manager.Allocate(context.Background(), common.RequestedNode{}, []string{"mem-1", "cpu-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrResourceConflict))
	assert.Len(t, f.manager.List(), 1)
	f.assertFree(t, "mem-1")
}

func TestResetInPendingIsInvalidState(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.manager.nodes["9"] = &nodeEntry{node: &common.ComposedNode{ID: "9", State: common.NodeStatePending}}

	_, err := f.manager.Reset(context.Background(), "9", common.ResetOn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidState))

	var invalid *common.InvalidStateError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, common.NodeStatePending, invalid.Current)
	assert.Equal(t, "reset", invalid.Requested)
	assert.Equal(t, 0, f.sim.Calls(southbound.OpReset))
}

func TestOperationsRequireState(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.allocate(t, "cpu-1", "disk-1")

	_, err := f.manager.AttachResource(context.Background(), node.ID, "rd-1")
	assert.True(t, errors.Is(err, common.ErrInvalidState))
	_, err = f.manager.DetachResource(context.Background(), node.ID, "disk-1")
	assert.True(t, errors.Is(err, common.ErrInvalidState))
	_, err = f.manager.Reset(context.Background(), node.ID, common.ResetOn)
	assert.True(t, errors.Is(err, common.ErrInvalidState))

	_, err = f.manager.Assemble(context.Background(), node.ID)
	require.NoError(t, err)
	_, err = f.manager.Assemble(context.Background(), node.ID)
	assert.True(t, errors.Is(err, common.ErrInvalidState), "assembling twice is rejected")
}

func TestUnknownNode(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	_, err := f.manager.Get("42")
	assert.True(t, errors.Is(err, common.ErrNodeNotFound))
	assert.True(t, errors.Is(f.manager.Remove(context.Background(), "42"), common.ErrNodeNotFound))
	assert.True(t, errors.Is(f.manager.AssembleAsync("42"), common.ErrNodeNotFound))
}

func TestAssemblyFailureReleasesResources(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.allocate(t, "cpu-1", "disk-1")
	f.sim.InjectFailure(southbound.OpAssemble, errors.New("switch port unreachable"))

	_, err := f.manager.Assemble(context.Background(), node.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrAssemblyFailed))

	got, err := f.manager.Get(node.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateFailed, got.State)
	assert.Empty(t, got.Resources)
	assert.Contains(t, got.FailureReason, "switch port unreachable")
	f.assertFree(t, "cpu-1", "disk-1")
}

func TestAssemblyTimeoutFailsNode(t *testing.T) {
	config := testConfig()
	config.SouthboundTimeout = 50 * time.Millisecond
	f := newFixture(t, config, nil)
	f.sim.Hang(southbound.OpAssemble, true)
	node := f.allocate(t, "cpu-1")

	_, err := f.manager.Assemble(context.Background(), node.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrAssemblyFailed))
	assert.True(t, errors.Is(err, common.ErrOperationTimeout))

	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, common.NodeStateFailed, got.State)
	f.assertFree(t, "cpu-1")
}

func TestAssembleAsync(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.sim = southbound.NewSimulatedConfigurator(100 * time.Millisecond)
	f.manager.configurator = f.sim
	node := f.allocate(t, "cpu-1")

	require.NoError(t, f.manager.AssembleAsync(node.ID))

	require.Eventually(t, func() bool {
		got, _ := f.manager.Get(node.ID)
		return got.State == common.NodeStateAssembling
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, _ := f.manager.Get(node.ID)
		return got.State == common.NodeStateAssembled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")

	require.NoError(t, f.manager.Remove(context.Background(), node.ID))
	require.NoError(t, f.manager.Remove(context.Background(), node.ID))

	got, err := f.manager.Get(node.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateRemoved, got.State)
	assert.Empty(t, got.Resources)
	assert.Equal(t, 1, f.sim.Calls(southbound.OpTeardown))
	f.assertFree(t, "cpu-1", "disk-1")

	// 资源已被其他节点占用后，重复移除不能释放它们
	other := f.allocate(t, "cpu-1")
	require.NoError(t, f.manager.Remove(context.Background(), node.ID))
	f.assertOwnedBy(t, other.ID, "cpu-1")
}

func TestRemoveAllocatedNode(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.allocate(t, "cpu-1")

	require.NoError(t, f.manager.Remove(context.Background(), node.ID))
	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, common.NodeStateRemoved, got.State)
	f.assertFree(t, "cpu-1")
}

func TestRemoveRetriesTeardown(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1")
	f.sim.InjectFailure(southbound.OpTeardown, errors.New("bmc busy"))

	require.NoError(t, f.manager.Remove(context.Background(), node.ID))
	assert.Equal(t, 2, f.sim.Calls(southbound.OpTeardown))
	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, common.NodeStateRemoved, got.State)
	f.assertFree(t, "cpu-1")
}

func TestRemoveExhaustedRetriesFailsNode(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "disk-1")
	boom := errors.New("bmc unreachable")
	f.sim.InjectFailure(southbound.OpTeardown, boom, boom, boom)

	err := f.manager.Remove(context.Background(), node.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrRemovalFailed))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, f.sim.Calls(southbound.OpTeardown))

	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, common.NodeStateFailed, got.State)
	assert.Empty(t, got.Resources)
	f.assertFree(t, "cpu-1", "disk-1")

	// FAILED 节点不再持有资源，再次移除无需南向调用
	require.NoError(t, f.manager.Remove(context.Background(), node.ID))
	got, _ = f.manager.Get(node.ID)
	assert.Equal(t, common.NodeStateRemoved, got.State)
	assert.Equal(t, 3, f.sim.Calls(southbound.OpTeardown))
}

func TestReset(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	node := f.assembled(t, "cpu-1", "mem-1")
	assert.Equal(t, common.PowerStateOff, node.PowerState)

	_, err := f.manager.Reset(context.Background(), node.ID, common.ResetNmi)
	assert.True(t, errors.Is(err, common.ErrUnsupportedResetType))

	updated, err := f.manager.Reset(context.Background(), node.ID, common.ResetOn)
	require.NoError(t, err)
	assert.Equal(t, common.PowerStateOn, updated.PowerState)

	f.sim.InjectFailure(southbound.OpReset, errors.New("no response"))
	_, err = f.manager.Reset(context.Background(), node.ID, common.ResetForceOff)
	assert.True(t, errors.Is(err, common.ErrResetFailed))
	got, _ := f.manager.Get(node.ID)
	assert.Equal(t, common.PowerStateOn, got.PowerState)
	assert.Equal(t, common.NodeStateAssembled, got.State)
}

func TestRecover(t *testing.T) {
	store := recovery.NewMemoryNodeStore()
	ctx := context.Background()
	now := time.Now()
	save := func(id string, state common.ComposedNodeState, resources ...string) {
		require.NoError(t, store.SaveNode(ctx, &common.ComposedNode{
			ID: id, State: state, Resources: resources, CreatedAt: now, UpdatedAt: now,
		}))
	}
	save("1", common.NodeStateAssembled, "cpu-1", "mem-1")
	save("2", common.NodeStateAssembling, "disk-1")
	save("3", common.NodeStateRemoving, "disk-2")
	save("4", common.NodeStateRemoved)
	save("5", common.NodeStatePending, "mem-2")

	f := newFixture(t, testConfig(), store)
	require.NoError(t, f.manager.Recover(ctx))

	n1, _ := f.manager.Get("1")
	assert.Equal(t, common.NodeStateAssembled, n1.State)
	assert.NotEmpty(t, n1.AllowableResetTypes)
	f.assertOwnedBy(t, "1", "cpu-1", "mem-1")

	n2, _ := f.manager.Get("2")
	assert.Equal(t, common.NodeStateFailed, n2.State)
	assert.Empty(t, n2.Resources)

	n3, _ := f.manager.Get("3")
	assert.Equal(t, common.NodeStateRemoved, n3.State)
	assert.Equal(t, 1, f.sim.Calls(southbound.OpTeardown))

	n5, _ := f.manager.Get("5")
	assert.Equal(t, common.NodeStateFailed, n5.State)
	f.assertFree(t, "disk-1", "disk-2", "mem-2")

	require.NoError(t, f.manager.Remove(ctx, "4"))

	next := f.allocate(t, "mem-2")
	assert.Equal(t, "6", next.ID)
}

func TestPerformCleanupEvictsOldestTombstones(t *testing.T) {
	config := testConfig()
	config.MaxRemovedNodes = 1
	f := newFixture(t, config, nil)

	first := f.allocate(t, "mem-1")
	second := f.allocate(t, "mem-2")
	require.NoError(t, f.manager.Remove(context.Background(), first.ID))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.manager.Remove(context.Background(), second.ID))

	f.manager.performCleanup()

	_, err := f.manager.Get(first.ID)
	assert.True(t, errors.Is(err, common.ErrNodeNotFound))
	_, err = f.store.GetNode(context.Background(), first.ID)
	assert.True(t, errors.Is(err, common.ErrNodeNotFound))

	got, err := f.manager.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateRemoved, got.State)

	stats := f.manager.Statistics()
	assert.Equal(t, 1, stats["removed_nodes"])
}

func TestRemoveAfterTombstoneEviction(t *testing.T) {
	config := testConfig()
	config.MaxRemovedNodes = 1
	f := newFixture(t, config, nil)

	first := f.allocate(t, "mem-1")
	second := f.allocate(t, "mem-2")
	require.NoError(t, f.manager.Remove(context.Background(), first.ID))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.manager.Remove(context.Background(), second.ID))
	f.manager.performCleanup()

	_, err := f.manager.Get(first.ID)
	require.True(t, errors.Is(err, common.ErrNodeNotFound))

	// 已清理的墓碑重复移除仍然成功，且不影响资源
	reused := f.allocate(t, "mem-1")
	require.NoError(t, f.manager.Remove(context.Background(), first.ID))
	f.assertOwnedBy(t, reused.ID, "mem-1")

	// 从未分配的 ID 仍然返回不存在
	for _, id := range []string{"99", "01", "abc", "0"} {
		err := f.manager.Remove(context.Background(), id)
		assert.True(t, errors.Is(err, common.ErrNodeNotFound), id)
	}
}

func TestPerformCleanupKeepsHighestTombstone(t *testing.T) {
	config := testConfig()
	config.MaxRemovedNodes = 1
	store := recovery.NewMemoryNodeStore()
	f := newFixture(t, config, store)

	first := f.allocate(t, "mem-1")
	second := f.allocate(t, "mem-2")
	third := f.allocate(t, "disk-1")
	require.NoError(t, f.manager.Remove(context.Background(), third.ID))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.manager.Remove(context.Background(), first.ID))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, f.manager.Remove(context.Background(), second.ID))

	f.manager.performCleanup()

	got, err := f.manager.Get(third.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateRemoved, got.State)
	_, err = f.manager.Get(second.ID)
	assert.True(t, errors.Is(err, common.ErrNodeNotFound))

	// 重启后不会复用已分配的 ID
	restarted := newFixture(t, config, store)
	require.NoError(t, restarted.manager.Recover(context.Background()))
	node := restarted.allocate(t, "mem-1")
	assert.Equal(t, "4", node.ID)
	require.NoError(t, restarted.manager.Remove(context.Background(), first.ID))
}
