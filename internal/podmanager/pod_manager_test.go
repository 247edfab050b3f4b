package podmanager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"podm/internal/common"
	"podm/internal/podmanager/events"
	"podm/internal/podmanager/inventory"
	"podm/internal/podmanager/recovery"
	"podm/internal/podmanager/southbound"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() common.PodManagerConfig {
	return common.PodManagerConfig{
		SouthboundTimeout:  time.Second,
		RemovalMaxAttempts: 2,
		MaxRemovedNodes:    10,
	}
}

func processor(id string) common.Resource {
	return common.Resource{
		ID:         id,
		Kind:       common.KindProcessor,
		ChassisID:  "chassis-1",
		ResetTypes: []common.ResetType{common.ResetOn, common.ResetForceOff},
		Processor:  &common.ProcessorAttributes{Model: "Xeon", TotalCores: 24},
	}
}

func memory(id string) common.Resource {
	return common.Resource{ID: id, Kind: common.KindMemory, Memory: &common.MemoryAttributes{CapacityMiB: 32768}}
}

func remoteDrive(id string) common.Resource {
	return common.Resource{ID: id, Kind: common.KindRemoteDrive, Drive: &common.DriveAttributes{CapacityGiB: 2048}}
}

type testPodManager struct {
	*PodManager
	sim     *southbound.SimulatedConfigurator
	metrics *common.Metrics
}

func newTestPodManager(t *testing.T, config common.PodManagerConfig, store recovery.NodeStore, resources ...common.Resource) *testPodManager {
	t.Helper()
	idx := inventory.NewIndex()
	for _, res := range resources {
		require.NoError(t, idx.Upsert(res))
	}
	sim := southbound.NewSimulatedConfigurator(0)
	metrics := common.NewMetrics(prometheus.NewRegistry())
	pm := NewPodManager(Options{
		Config:       config,
		Index:        idx,
		Configurator: sim,
		Store:        store,
		Events:       events.NewDispatcher(nil, 100),
		Metrics:      metrics,
	})
	require.NoError(t, pm.Start(context.Background()))
	return &testPodManager{PodManager: pm, sim: sim, metrics: metrics}
}

func TestAllocateReportsMemoryShortfall(t *testing.T) {
	pm := newTestPodManager(t, testConfig(), nil, processor("cpu-1"), processor("cpu-2"), memory("mem-1"))
	defer pm.Stop()

	_, err := pm.Allocate(context.Background(), common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 2}},
		Memory:     []common.MemoryRequirement{{Count: 2}},
	})
	require.Error(t, err)

	var insufficient *common.InsufficientResourcesError
	require.True(t, errors.As(err, &insufficient))
	require.Len(t, insufficient.Shortfalls, 1)
	shortfall, ok := insufficient.ShortfallFor("memory")
	require.True(t, ok)
	assert.Equal(t, 2, shortfall.Requested)
	assert.Equal(t, 1, shortfall.Missing)

	assert.Empty(t, pm.ListNodes())
	free, err := pm.ListResources("", common.ResourceStateFree)
	require.NoError(t, err)
	assert.Len(t, free, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.metrics.Allocations().WithLabelValues("insufficient")))
}

func TestConcurrentAllocateExactlyOneWins(t *testing.T) {
	pm := newTestPodManager(t, testConfig(), nil, processor("cpu-1"), memory("mem-1"))
	defer pm.Stop()

	req := common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 1}},
		Memory:     []common.MemoryRequirement{{Count: 1}},
	}

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*common.ComposedNode
		losses  []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			node, err := pm.Allocate(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				losses = append(losses, err)
				return
			}
			winners = append(winners, node)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, losses, callers-1)
	for _, err := range losses {
		assert.True(t, common.IsRetryable(err), "loser must see insufficient or conflict, got %v", err)
	}

	winner := winners[0]
	for _, id := range []string{"cpu-1", "mem-1"} {
		res, ok := pm.Index().Get(id)
		require.True(t, ok)
		assert.Equal(t, common.ResourceStateAllocated, res.State)
		assert.Equal(t, winner.ID, res.Owner)
	}
	assert.Len(t, pm.ListNodes(), 1)
}

func TestNodeLifecycleThroughFacade(t *testing.T) {
	pm := newTestPodManager(t, testConfig(), nil, processor("cpu-1"), memory("mem-1"), remoteDrive("rd-1"))
	defer pm.Stop()

	var (
		mu       sync.Mutex
		received []events.EventType
	)
	pm.events.Subscribe(func(e events.NodeEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Type)
	})

	ctx := context.Background()
	node, err := pm.Allocate(ctx, common.RequestedNode{
		Name:       "db-1",
		Processors: []common.ProcessorRequirement{{Count: 1}},
		Memory:     []common.MemoryRequirement{{Count: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateAllocated, node.State)
	assert.Equal(t, []string{"cpu-1", "mem-1"}, node.Resources)

	node, err = pm.Assemble(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateAssembled, node.State)
	assert.Equal(t, common.PowerStateOff, node.PowerState)

	node, err = pm.Reset(ctx, node.ID, common.ResetOn)
	require.NoError(t, err)
	assert.Equal(t, common.PowerStateOn, node.PowerState)

	node, err = pm.AttachResource(ctx, node.ID, "rd-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1", "mem-1", "rd-1"}, node.Resources)

	node, err = pm.DetachResource(ctx, node.ID, "rd-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1", "mem-1"}, node.Resources)

	require.NoError(t, pm.Remove(ctx, node.ID))
	require.NoError(t, pm.Remove(ctx, node.ID), "remove is idempotent")

	assert.Empty(t, pm.ListNodes())
	free, err := pm.ListResources("", common.ResourceStateFree)
	require.NoError(t, err)
	assert.Len(t, free, 3)

	stats := pm.Statistics()
	assert.Equal(t, 3, stats["total_resources"])
	assert.Equal(t, 1, stats["removed_nodes"])
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.metrics.Allocations().WithLabelValues("success")))

	require.NoError(t, pm.Stop())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, received, events.EventNodeCreated)
	assert.Contains(t, received, events.EventNodeReset)
	assert.Contains(t, received, events.EventResourceAttached)
	assert.Contains(t, received, events.EventResourceDetached)
}

func TestAutoAssemble(t *testing.T) {
	config := testConfig()
	config.AutoAssemble = true
	pm := newTestPodManager(t, config, nil, processor("cpu-1"))
	defer pm.Stop()

	node, err := pm.Allocate(context.Background(), common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 1}},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := pm.GetNode(node.ID)
		return err == nil && got.State == common.NodeStateAssembled
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pm.sim.Calls(southbound.OpAssemble))
}

func TestListResourcesFilters(t *testing.T) {
	pm := newTestPodManager(t, testConfig(), nil, processor("cpu-1"), processor("cpu-2"), memory("mem-1"))
	defer pm.Stop()

	_, err := pm.Allocate(context.Background(), common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 1}},
	})
	require.NoError(t, err)

	cpus, err := pm.ListResources(common.KindProcessor, "")
	require.NoError(t, err)
	assert.Len(t, cpus, 2)

	allocated, err := pm.ListResources(common.KindProcessor, common.ResourceStateAllocated)
	require.NoError(t, err)
	require.Len(t, allocated, 1)
	assert.Equal(t, "cpu-1", allocated[0].ID)

	_, err = pm.ListResources("Toaster", "")
	assert.True(t, errors.Is(err, common.ErrInvalidParameter))
	_, err = pm.ListResources("", "BROKEN")
	assert.True(t, errors.Is(err, common.ErrInvalidParameter))
}

func TestUpsertResources(t *testing.T) {
	pm := newTestPodManager(t, testConfig(), nil)
	defer pm.Stop()

	accepted, err := pm.UpsertResources([]common.Resource{
		processor("cpu-1"),
		{ID: "mem-x", Kind: common.KindMemory},
		memory("mem-1"),
	})
	assert.Equal(t, 2, accepted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidParameter))
	assert.Contains(t, err.Error(), "mem-x")
	assert.Equal(t, 2, pm.Index().Len())
}

func TestRestartRecoversNodesFromBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.db")
	resources := []common.Resource{processor("cpu-1"), memory("mem-1"), processor("cpu-2")}

	store, err := recovery.NewBoltNodeStore(path)
	require.NoError(t, err)
	first := newTestPodManager(t, testConfig(), store, resources...)

	ctx := context.Background()
	node, err := first.Allocate(ctx, common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 1}},
		Memory:     []common.MemoryRequirement{{Count: 1}},
	})
	require.NoError(t, err)
	_, err = first.Assemble(ctx, node.ID)
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	store, err = recovery.NewBoltNodeStore(path)
	require.NoError(t, err)
	second := newTestPodManager(t, testConfig(), store, resources...)
	defer second.Stop()

	got, err := second.GetNode(node.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateAssembled, got.State)
	assert.Equal(t, []string{"cpu-1", "mem-1"}, got.Resources)

	res, _ := second.Index().Get("cpu-1")
	assert.Equal(t, common.ResourceStateAllocated, res.State)
	assert.Equal(t, node.ID, res.Owner)

	next, err := second.Allocate(ctx, common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cpu-2", next.Resources[0])
	assert.NotEqual(t, node.ID, next.ID)
}

func TestConcurrentMixedOperationsNeverShareResources(t *testing.T) {
	var resources []common.Resource
	for i := 1; i <= 4; i++ {
		resources = append(resources,
			processor(fmt.Sprintf("cpu-%d", i)),
			memory(fmt.Sprintf("mem-%d", i)),
			remoteDrive(fmt.Sprintf("rd-%d", i)))
	}
	pm := newTestPodManager(t, testConfig(), nil, resources...)
	defer pm.Stop()

	req := common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 1}},
		Memory:     []common.MemoryRequirement{{Count: 1}},
	}
	ctx := context.Background()

	// claims 记录每个资源当前属于哪个节点，任何重复占用都是错误
	var (
		mu     sync.Mutex
		claims = make(map[string]string)
	)
	claim := func(nodeID string, ids ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			if owner, ok := claims[id]; ok {
				t.Errorf("resource %s owned by node %s and node %s", id, owner, nodeID)
			}
			claims[id] = nodeID
		}
	}
	unclaim := func(ids ...string) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			delete(claims, id)
		}
	}

	const workers, cycles = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for c := 0; c < cycles; c++ {
				node, err := pm.Allocate(ctx, req)
				if err != nil {
					assert.True(t, common.IsRetryable(err), "allocate: %v", err)
					continue
				}
				claim(node.ID, node.Resources...)

				if node, err = pm.Assemble(ctx, node.ID); !assert.NoError(t, err) {
					return
				}

				drive := fmt.Sprintf("rd-%d", (w+c)%4+1)
				attached, err := pm.AttachResource(ctx, node.ID, drive)
				if err == nil {
					claim(node.ID, drive)
					node = attached
					unclaim(drive)
					_, err = pm.DetachResource(ctx, node.ID, drive)
					assert.NoError(t, err, "detach")
				} else {
					assert.True(t, errors.Is(err, common.ErrResourceConflict), "attach: %v", err)
				}

				current, err := pm.GetNode(node.ID)
				if !assert.NoError(t, err) {
					return
				}
				unclaim(current.Resources...)
				assert.NoError(t, pm.Remove(ctx, node.ID))
			}
		}(w)
	}
	wg.Wait()

	free, err := pm.ListResources("", common.ResourceStateFree)
	require.NoError(t, err)
	assert.Len(t, free, len(resources))
	for _, res := range free {
		assert.Empty(t, res.Owner, res.ID)
	}
	assert.Empty(t, pm.ListNodes())
}
