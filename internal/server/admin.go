package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/fleetbatch/internal/processor"
	"github.com/ChuLiYu/fleetbatch/internal/queue"
	"github.com/ChuLiYu/fleetbatch/internal/results"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

// ============================================================================
// Admin 服務定義
// ============================================================================

// ServiceName 是 gRPC 管理服務的完整名稱
const ServiceName = "fleetbatch.admin.v1.Admin"

// DefaultBatchSize 提交請求未指定批次大小時使用
const DefaultBatchSize = 100

// AdminServer 管理服務介面
//
// 請求與回應使用 protobuf well-known types，無需產生程式碼。
type AdminServer interface {
	Stats(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	JobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	AggregateResults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListDeadLettered(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ClearDeadLetter(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// AdminServiceDesc 手動宣告的服務描述
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Stats", newEmpty, func(s AdminServer, ctx context.Context, in proto.Message) (*structpb.Struct, error) {
			return s.Stats(ctx, in.(*emptypb.Empty))
		}),
		unary("SubmitJob", newStruct, func(s AdminServer, ctx context.Context, in proto.Message) (*structpb.Struct, error) {
			return s.SubmitJob(ctx, in.(*structpb.Struct))
		}),
		unary("JobStatus", newStruct, func(s AdminServer, ctx context.Context, in proto.Message) (*structpb.Struct, error) {
			return s.JobStatus(ctx, in.(*structpb.Struct))
		}),
		unary("AggregateResults", newStruct, func(s AdminServer, ctx context.Context, in proto.Message) (*structpb.Struct, error) {
			return s.AggregateResults(ctx, in.(*structpb.Struct))
		}),
		unary("ListDeadLettered", newStruct, func(s AdminServer, ctx context.Context, in proto.Message) (*structpb.Struct, error) {
			return s.ListDeadLettered(ctx, in.(*structpb.Struct))
		}),
		unary("ClearDeadLetter", newEmpty, func(s AdminServer, ctx context.Context, in proto.Message) (*structpb.Struct, error) {
			return s.ClearDeadLetter(ctx, in.(*emptypb.Empty))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleetbatch/admin/v1/admin.proto",
}

func newEmpty() proto.Message  { return new(emptypb.Empty) }
func newStruct() proto.Message { return new(structpb.Struct) }

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary(method string, newReq func() proto.Message, call func(AdminServer, context.Context, proto.Message) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(proto.Message))
			})
		},
	}
}

// RegisterAdminServer 註冊管理服務
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// NewGRPCServer 建立帶有日誌攔截器的 gRPC 伺服器並註冊管理服務
func NewGRPCServer(srv AdminServer, log *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = slog.Default()
	}
	opts = append(opts, grpc.UnaryInterceptor(loggingInterceptor(log)))
	gs := grpc.NewServer(opts...)
	RegisterAdminServer(gs, srv)
	return gs
}

func loggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("admin call", "method", info.FullMethod, "duration", time.Since(start), "code", status.Code(err))
		return resp, err
	}
}

// ============================================================================
// Admin 服務實作
// ============================================================================

// Snapshot 是 Stats 的回應內容
type Snapshot struct {
	Queue     queue.Stats      `json:"queue"`
	Processor *processor.Stats `json:"processor,omitempty"`
}

// SubmitRequest 是 SubmitJob 的請求內容
type SubmitRequest struct {
	JobID     string          `json:"jobId"`
	Items     []string        `json:"items"`
	BatchSize int             `json:"batchSize,omitempty"`
	Params    types.JobParams `json:"params"`
}

// DeadLetterList 是 ListDeadLettered 的回應內容
type DeadLetterList struct {
	Records []DeadLetterEntry `json:"records"`
}

// DeadLetterEntry 一筆死信記錄；MessageID 在 queue.DeadLetterRecord 中不序列化
type DeadLetterEntry struct {
	MessageID string `json:"messageId"`
	queue.DeadLetterRecord
}

// Admin 實作 AdminServer，同時供 HTTP API 使用
type Admin struct {
	queue     *queue.Client
	results   *results.Store
	processor *processor.Processor // 可為 nil（例如僅提供查詢的節點）
	batchSize int
}

// AdminOption 設定 Admin
type AdminOption func(*Admin)

// WithDefaultBatchSize 設定提交請求未指定批次大小時使用的值；n <= 0 時維持 DefaultBatchSize
func WithDefaultBatchSize(n int) AdminOption {
	return func(a *Admin) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// NewAdmin 建立管理服務
func NewAdmin(q *queue.Client, store *results.Store, proc *processor.Processor, opts ...AdminOption) *Admin {
	a := &Admin{queue: q, results: store, processor: proc, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Snapshot 回傳佇列與處理器統計
func (a *Admin) Snapshot(ctx context.Context) (Snapshot, error) {
	qs, err := a.queue.Stats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Queue: qs}
	if a.processor != nil {
		ps := a.processor.Stats()
		snap.Processor = &ps
	}
	return snap, nil
}

// DeadLettered 回傳最多 max 筆死信記錄
func (a *Admin) DeadLettered(ctx context.Context, max int) (DeadLetterList, error) {
	recs, err := a.queue.ListDeadLettered(ctx, max)
	if err != nil {
		return DeadLetterList{}, err
	}
	list := DeadLetterList{Records: make([]DeadLetterEntry, len(recs))}
	for i, rec := range recs {
		list.Records[i] = DeadLetterEntry{MessageID: rec.MessageID, DeadLetterRecord: rec}
	}
	return list, nil
}

func (a *Admin) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := a.Snapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(snap)
}

// Submit 切分並入隊一個任務
func (a *Admin) Submit(ctx context.Context, req SubmitRequest) (*processor.Submission, error) {
	if req.BatchSize <= 0 {
		req.BatchSize = a.batchSize
	}
	return processor.Submit(ctx, a.queue, a.results, req.JobID, req.Items, req.BatchSize, req.Params)
}

func (a *Admin) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "jobId is required")
	}
	if len(req.Items) == 0 {
		return nil, status.Error(codes.InvalidArgument, "items are required")
	}
	sub, err := a.Submit(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(sub)
}

func (a *Admin) JobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	jobID, err := jobIDField(in)
	if err != nil {
		return nil, err
	}
	st, err := a.results.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

func (a *Admin) AggregateResults(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	jobID, err := jobIDField(in)
	if err != nil {
		return nil, err
	}
	agg, err := a.results.AggregateResults(ctx, jobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(agg)
}

func (a *Admin) ListDeadLettered(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	max := 0
	if v, ok := in.GetFields()["max"]; ok {
		max = int(v.GetNumberValue())
	}
	list, err := a.DeadLettered(ctx, max)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(list)
}

func (a *Admin) ClearDeadLetter(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n, err := a.queue.ClearDeadLetter(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]int{"cleared": n})
}

func jobIDField(in *structpb.Struct) (string, error) {
	jobID := in.GetFields()["jobId"].GetStringValue()
	if jobID == "" {
		return "", status.Error(codes.InvalidArgument, "jobId is required")
	}
	return jobID, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, results.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrEmptyJobID), errors.Is(err, results.ErrInvalidJobID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct 透過 JSON 將值轉為 structpb.Struct；v 必須序列化為 JSON 物件
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "convert response: %v", err)
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to convert response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ============================================================================
// Admin 客戶端
// ============================================================================

// AdminClient 管理服務的 gRPC 客戶端
type AdminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient 建立客戶端
func NewAdminClient(cc grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{cc: cc}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in proto.Message, v any) error {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	return fromStruct(out, v)
}

func jobRequest(jobID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"jobId": structpb.NewStringValue(jobID),
	}}
}

// Stats 查詢佇列與處理器統計
func (c *AdminClient) Stats(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.invoke(ctx, "Stats", &emptypb.Empty{}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SubmitJob 提交任務
func (c *AdminClient) SubmitJob(ctx context.Context, req SubmitRequest) (*processor.Submission, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	var sub processor.Submission
	if err := c.invoke(ctx, "SubmitJob", in, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// JobStatus 查詢任務狀態
func (c *AdminClient) JobStatus(ctx context.Context, jobID string) (*types.JobStatus, error) {
	var st types.JobStatus
	if err := c.invoke(ctx, "JobStatus", jobRequest(jobID), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AggregateResults 取得任務的聚合結果
func (c *AdminClient) AggregateResults(ctx context.Context, jobID string) (*types.AggregateResult, error) {
	var agg types.AggregateResult
	if err := c.invoke(ctx, "AggregateResults", jobRequest(jobID), &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

// ListDeadLettered 列出最多 max 筆死信；max <= 0 表示全部
func (c *AdminClient) ListDeadLettered(ctx context.Context, max int) ([]DeadLetterEntry, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"max": structpb.NewNumberValue(float64(max)),
	}}
	var list DeadLetterList
	if err := c.invoke(ctx, "ListDeadLettered", req, &list); err != nil {
		return nil, err
	}
	return list.Records, nil
}

// ClearDeadLetter 清空死信佇列並回傳刪除數量
func (c *AdminClient) ClearDeadLetter(ctx context.Context) (int, error) {
	var out struct {
		Cleared int `json:"cleared"`
	}
	if err := c.invoke(ctx, "ClearDeadLetter", &emptypb.Empty{}, &out); err != nil {
		return 0, err
	}
	return out.Cleared, nil
}
