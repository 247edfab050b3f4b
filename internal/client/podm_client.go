package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"podm/internal/common"
	"podm/internal/podmanager/server"

	"go.uber.org/zap"
)

// APIError PodManager 返回的错误
type APIError struct {
	StatusCode int
	server.ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Is 将错误代码映射回对应的错误类型
func (e *APIError) Is(target error) bool {
	switch e.Code {
	case "InsufficientResources":
		return target == common.ErrInsufficientResources
	case "ResourceConflict":
		return target == common.ErrResourceConflict
	case "InvalidState":
		return target == common.ErrInvalidState
	case "NodeNotFound":
		return target == common.ErrNodeNotFound
	case "ResourceNotFound":
		return target == common.ErrResourceNotFound
	case "InvalidParameter":
		return target == common.ErrInvalidParameter
	case "IncompatibleResource":
		return target == common.ErrIncompatibleResource
	case "UnsupportedResetType":
		return target == common.ErrUnsupportedResetType
	case "NotOwned":
		return target == common.ErrNotOwned
	}
	return false
}

// PodManagerClient PodManager HTTP 客户端
type PodManagerClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewPodManagerClient 创建新的 PodManager 客户端
func NewPodManagerClient(address string, timeout time.Duration) *PodManagerClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &PodManagerClient{
		baseURL: strings.TrimRight(address, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: common.ComponentLogger("podm-client"),
	}
}

// ListResources 查询资源，kind 和 state 为空时不过滤
func (c *PodManagerClient) ListResources(ctx context.Context, kind common.ResourceKind, state common.ResourceState) ([]common.Resource, error) {
	query := url.Values{}
	if kind != "" {
		query.Set("kind", string(kind))
	}
	if state != "" {
		query.Set("state", string(state))
	}
	path := server.APIPrefix + "/Resources"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var response struct {
		Members []common.Resource `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}
	return response.Members, nil
}

// UpsertResources 推送发现的资源
func (c *PodManagerClient) UpsertResources(ctx context.Context, resources []common.Resource) (*server.UpsertResponse, error) {
	var response server.UpsertResponse
	if err := c.do(ctx, http.MethodPost, server.APIPrefix+"/Resources", resources, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ListNodes 列出组合节点
func (c *PodManagerClient) ListNodes(ctx context.Context) ([]*common.ComposedNode, error) {
	var response struct {
		Members []*common.ComposedNode `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, server.APIPrefix+"/Nodes", nil, &response); err != nil {
		return nil, err
	}
	return response.Members, nil
}

// GetNode 获取组合节点
func (c *PodManagerClient) GetNode(ctx context.Context, id string) (*common.ComposedNode, error) {
	var node common.ComposedNode
	if err := c.do(ctx, http.MethodGet, nodePath(id, ""), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Allocate 提交组合节点请求
func (c *PodManagerClient) Allocate(ctx context.Context, req common.RequestedNode) (*common.ComposedNode, error) {
	var response struct {
		ID   string               `json:"id"`
		Node *common.ComposedNode `json:"node"`
	}
	if err := c.do(ctx, http.MethodPost, server.APIPrefix+"/Nodes/Actions/Allocate", req, &response); err != nil {
		return nil, err
	}
	c.logger.Info("Composed node allocated", zap.String("node_id", response.ID))
	return response.Node, nil
}

// Assemble 装配节点；wait 为 false 时服务端在后台装配，返回 nil 节点
func (c *PodManagerClient) Assemble(ctx context.Context, id string, wait bool) (*common.ComposedNode, error) {
	path := nodePath(id, "Assemble")
	if !wait {
		return nil, c.do(ctx, http.MethodPost, path, nil, nil)
	}
	var node common.ComposedNode
	if err := c.do(ctx, http.MethodPost, path+"?wait=true", nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// Reset 复位节点
func (c *PodManagerClient) Reset(ctx context.Context, id string, resetType common.ResetType) (*common.ComposedNode, error) {
	var node common.ComposedNode
	if err := c.do(ctx, http.MethodPost, nodePath(id, "Reset"), server.ResetRequest{ResetType: resetType}, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// AttachResource 挂载资源
func (c *PodManagerClient) AttachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error) {
	var node common.ComposedNode
	if err := c.do(ctx, http.MethodPost, nodePath(id, "AttachResource"), server.ResourceRequest{ResourceID: resourceID}, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// DetachResource 卸载资源
func (c *PodManagerClient) DetachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error) {
	var node common.ComposedNode
	if err := c.do(ctx, http.MethodPost, nodePath(id, "DetachResource"), server.ResourceRequest{ResourceID: resourceID}, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// DeleteNode 删除节点
func (c *PodManagerClient) DeleteNode(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, nodePath(id, ""), nil, nil)
}

func nodePath(id, action string) string {
	path := server.APIPrefix + "/Nodes/" + url.PathEscape(id)
	if action != "" {
		path += "/Actions/ComposedNode." + action
	}
	return path
}

// do 发送请求；非 2xx 响应解析为 APIError
func (c *PodManagerClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp server.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error.Code != "" {
			apiErr.ErrorBody = errResp.Error
		} else {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = fmt.Sprintf("request failed with status: %d", resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
