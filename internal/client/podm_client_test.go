package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"podm/internal/common"
	"podm/internal/podmanager"
	"podm/internal/podmanager/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *PodManagerClient {
	t.Helper()
	pm := podmanager.NewPodManager(podmanager.Options{
		Config: common.PodManagerConfig{SouthboundTimeout: time.Second, RemovalMaxAttempts: 1},
	})
	require.NoError(t, pm.Start(context.Background()))

	ts := httptest.NewServer(server.NewHTTPServer(pm, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = pm.Stop()
	})
	return NewPodManagerClient(ts.URL+"/", 5*time.Second)
}

func TestClientRoundTrip(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	upserted, err := c.UpsertResources(ctx, []common.Resource{
		{ID: "cpu-1", Kind: common.KindProcessor, ResetTypes: []common.ResetType{common.ResetOn}, Processor: &common.ProcessorAttributes{}},
		{ID: "disk-1", Kind: common.KindLocalDrive, Drive: &common.DriveAttributes{CapacityGiB: 512}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, upserted.Accepted)

	resources, err := c.ListResources(ctx, common.KindProcessor, "")
	require.NoError(t, err)
	require.Len(t, resources, 1)

	node, err := c.Allocate(ctx, common.RequestedNode{
		Processors:  []common.ProcessorRequirement{{Count: 1}},
		LocalDrives: []common.DriveRequirement{{MinCapacityGiB: 256}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1", "disk-1"}, node.Resources)

	assembled, err := c.Assemble(ctx, node.ID, true)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateAssembled, assembled.State)

	reset, err := c.Reset(ctx, node.ID, common.ResetOn)
	require.NoError(t, err)
	assert.Equal(t, common.PowerStateOn, reset.PowerState)

	detached, err := c.DetachResource(ctx, node.ID, "disk-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cpu-1"}, detached.Resources)

	nodes, err := c.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, c.DeleteNode(ctx, node.ID))
	got, err := c.GetNode(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, common.NodeStateRemoved, got.State)
}

func TestClientErrors(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.GetNode(ctx, "404")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNodeNotFound))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.Allocate(ctx, common.RequestedNode{
		Processors: []common.ProcessorRequirement{{Count: 2}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInsufficientResources))
	require.True(t, errors.As(err, &apiErr))
	require.Len(t, apiErr.Shortfalls, 1)
	assert.Equal(t, 2, apiErr.Shortfalls[0].Missing)

	_, err = c.AttachResource(ctx, "404", "cpu-1")
	assert.True(t, errors.Is(err, common.ErrNodeNotFound))
}
