package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"podm/internal/common"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// APIPrefix 管理接口路径前缀
const APIPrefix = "/redfish/v1"

// PodManagerInterface HTTP 服务器依赖的 PodManager 操作
type PodManagerInterface interface {
	Allocate(ctx context.Context, req common.RequestedNode) (*common.ComposedNode, error)
	Assemble(ctx context.Context, id string) (*common.ComposedNode, error)
	AssembleAsync(id string) error
	Reset(ctx context.Context, id string, resetType common.ResetType) (*common.ComposedNode, error)
	AttachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error)
	DetachResource(ctx context.Context, id, resourceID string) (*common.ComposedNode, error)
	Remove(ctx context.Context, id string) error
	GetNode(id string) (*common.ComposedNode, error)
	ListNodes() []*common.ComposedNode
	ListResources(kind common.ResourceKind, state common.ResourceState) ([]common.Resource, error)
	UpsertResources(resources []common.Resource) (int, error)
	Statistics() map[string]interface{}
}

// ErrorBody 错误响应
type ErrorBody struct {
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Shortfalls []common.Shortfall `json:"shortfalls,omitempty"`
	Retryable  bool               `json:"retryable,omitempty"`
}

// ErrorResponse 错误响应外层
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ResetRequest 复位请求
type ResetRequest struct {
	ResetType common.ResetType `json:"reset_type"`
}

// ResourceRequest 挂载/卸载请求
type ResourceRequest struct {
	ResourceID string `json:"resource_id"`
}

// UpsertResponse 资源推送结果
type UpsertResponse struct {
	Accepted int    `json:"accepted"`
	Rejected string `json:"rejected,omitempty"`
}

// HTTPServer PodManager HTTP 服务器
type HTTPServer struct {
	server  *http.Server
	logger  *zap.Logger
	pm      PodManagerInterface
	metrics *common.Metrics
}

// NewHTTPServer 创建新的 HTTP 服务器
func NewHTTPServer(pm PodManagerInterface, metrics *common.Metrics) *HTTPServer {
	return &HTTPServer{
		pm:      pm,
		metrics: metrics,
		logger:  common.ComponentLogger("http-server"),
	}
}

// Handler 构造路由
func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()

	// 添加中间件
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	s.route(router, "", "/health", s.handleHealth, http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix(APIPrefix).Subrouter()

	// 资源路由
	s.route(v1, APIPrefix, "/Resources", s.handleListResources, http.MethodGet)
	s.route(v1, APIPrefix, "/Resources", s.handleUpsertResources, http.MethodPost)

	// 组合节点路由
	s.route(v1, APIPrefix, "/Nodes", s.handleListNodes, http.MethodGet)
	s.route(v1, APIPrefix, "/Nodes/Actions/Allocate", s.handleAllocate, http.MethodPost)
	s.route(v1, APIPrefix, "/Nodes/{id}", s.handleGetNode, http.MethodGet)
	s.route(v1, APIPrefix, "/Nodes/{id}", s.handleDeleteNode, http.MethodDelete)
	s.route(v1, APIPrefix, "/Nodes/{id}/Actions/ComposedNode.Assemble", s.handleAssemble, http.MethodPost)
	s.route(v1, APIPrefix, "/Nodes/{id}/Actions/ComposedNode.Reset", s.handleReset, http.MethodPost)
	s.route(v1, APIPrefix, "/Nodes/{id}/Actions/ComposedNode.AttachResource", s.handleAttach, http.MethodPost)
	s.route(v1, APIPrefix, "/Nodes/{id}/Actions/ComposedNode.DetachResource", s.handleDetach, http.MethodPost)

	return router
}

// route 注册路由，指标使用路由模板作为标签
func (s *HTTPServer) route(r *mux.Router, prefix, path string, handler http.HandlerFunc, methods ...string) {
	r.Handle(path, s.metrics.Middleware(prefix+path, handler)).Methods(methods...)
}

// Start 启动 HTTP 服务器
func (s *HTTPServer) Start(address string, port int) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", address, port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 在后台启动服务器
	go func() {
		s.logger.Info("Starting PodManager HTTP server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("PodManager HTTP server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止 HTTP 服务器
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping PodManager HTTP server")
	return s.server.Shutdown(ctx)
}

// GetAddress 获取服务器地址
func (s *HTTPServer) GetAddress() string {
	if s.server != nil {
		return s.server.Addr
	}
	return ""
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().Format(time.RFC3339),
		"statistics": s.pm.Statistics(),
	})
}

// handleListResources 处理资源查询，支持 kind 和 state 过滤
func (s *HTTPServer) handleListResources(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resources, err := s.pm.ListResources(
		common.ResourceKind(query.Get("kind")),
		common.ResourceState(query.Get("state")),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"members": resources,
		"count":   len(resources),
	})
}

// handleUpsertResources 处理发现组件推送的资源列表
func (s *HTTPServer) handleUpsertResources(w http.ResponseWriter, r *http.Request) {
	var resources []common.Resource
	if err := json.NewDecoder(r.Body).Decode(&resources); err != nil {
		s.writeError(w, common.NewValidationError("body", err.Error(), nil))
		return
	}

	accepted, err := s.pm.UpsertResources(resources)
	response := UpsertResponse{Accepted: accepted}
	if err != nil {
		if accepted == 0 {
			s.writeError(w, err)
			return
		}
		response.Rejected = err.Error()
	}
	s.writeJSONResponse(w, http.StatusOK, response)
}

func (s *HTTPServer) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.pm.ListNodes()
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"members": nodes,
		"count":   len(nodes),
	})
}

// handleAllocate 处理组合节点分配请求
func (s *HTTPServer) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req common.RequestedNode
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, common.NewValidationError("body", err.Error(), nil))
		return
	}

	node, err := s.pm.Allocate(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", APIPrefix+"/Nodes/"+node.ID)
	s.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"id":   node.ID,
		"node": node,
	})
}

func (s *HTTPServer) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.pm.GetNode(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, node)
}

// nodeContext 南向操作使用的上下文，不随客户端断开而取消；单次南向调用由超时配置约束
func nodeContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *HTTPServer) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.pm.Remove(nodeContext(r), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAssemble 处理装配请求；wait=true 时同步等待装配完成，否则后台装配并返回 202
func (s *HTTPServer) handleAssemble(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		node, err := s.pm.Assemble(nodeContext(r), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSONResponse(w, http.StatusOK, node)
		return
	}

	if err := s.pm.AssembleAsync(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", APIPrefix+"/Nodes/"+id)
	s.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"id":     id,
		"status": "assembling",
	})
}

func (s *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, common.NewValidationError("body", err.Error(), nil))
		return
	}
	if req.ResetType == "" {
		s.writeError(w, common.NewValidationError("reset_type", "cannot be empty", nil))
		return
	}

	node, err := s.pm.Reset(nodeContext(r), mux.Vars(r)["id"], req.ResetType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, node)
}

func (s *HTTPServer) handleAttach(w http.ResponseWriter, r *http.Request) {
	s.handleResourceAction(w, r, s.pm.AttachResource)
}

func (s *HTTPServer) handleDetach(w http.ResponseWriter, r *http.Request) {
	s.handleResourceAction(w, r, s.pm.DetachResource)
}

func (s *HTTPServer) handleResourceAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, id, resourceID string) (*common.ComposedNode, error)) {
	var req ResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, common.NewValidationError("body", err.Error(), nil))
		return
	}
	if req.ResourceID == "" {
		s.writeError(w, common.NewValidationError("resource_id", "cannot be empty", nil))
		return
	}

	node, err := action(nodeContext(r), mux.Vars(r)["id"], req.ResourceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, node)
}

// StatusForError 错误类型对应的 HTTP 状态码和错误代码
func StatusForError(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrInsufficientResources):
		return http.StatusConflict, "InsufficientResources"
	case errors.Is(err, common.ErrResourceConflict):
		return http.StatusConflict, "ResourceConflict"
	case errors.Is(err, common.ErrInvalidState):
		return http.StatusConflict, "InvalidState"
	case errors.Is(err, common.ErrNodeNotFound):
		return http.StatusNotFound, "NodeNotFound"
	case errors.Is(err, common.ErrResourceNotFound):
		return http.StatusNotFound, "ResourceNotFound"
	case errors.Is(err, common.ErrInvalidParameter):
		return http.StatusBadRequest, "InvalidParameter"
	case errors.Is(err, common.ErrIncompatibleResource):
		return http.StatusBadRequest, "IncompatibleResource"
	case errors.Is(err, common.ErrUnsupportedResetType):
		return http.StatusBadRequest, "UnsupportedResetType"
	case errors.Is(err, common.ErrNotOwned):
		return http.StatusBadRequest, "NotOwned"
	case errors.Is(err, common.ErrAssemblyFailed):
		return http.StatusInternalServerError, "AssemblyFailed"
	case errors.Is(err, common.ErrRemovalFailed):
		return http.StatusInternalServerError, "RemovalFailed"
	case errors.Is(err, common.ErrAttachFailed):
		return http.StatusInternalServerError, "AttachFailed"
	case errors.Is(err, common.ErrDetachFailed):
		return http.StatusInternalServerError, "DetachFailed"
	case errors.Is(err, common.ErrResetFailed):
		return http.StatusInternalServerError, "ResetFailed"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

// writeError 写入错误响应
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status, code := StatusForError(err)
	body := ErrorBody{
		Code:      code,
		Message:   err.Error(),
		Retryable: common.IsRetryable(err),
	}
	var insufficient *common.InsufficientResourcesError
	if errors.As(err, &insufficient) {
		body.Shortfalls = insufficient.Shortfalls
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug("Request rejected", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSONResponse(w, status, ErrorResponse{Error: body})
}

// loggingMiddleware 日志中间件
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r)

		s.logger.Debug("HTTP response",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// corsMiddleware CORS中间件
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSONResponse 写入 JSON 响应
func (s *HTTPServer) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}
