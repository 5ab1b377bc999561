package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"stratflow/internal/approval"
	"stratflow/internal/clarify"
	"stratflow/internal/session"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "stratflow.v1.Workflow"

// WorkflowServer is the gRPC surface of the conversation workflow. Every
// message is a google.protobuf.Struct carrying the same JSON shapes as the
// REST API.
type WorkflowServer interface {
	Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Answer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Regenerate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Snapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// Compile-time interface check.
var _ WorkflowServer = (*WorkflowService)(nil)

// WorkflowService implements WorkflowServer on a session manager.
type WorkflowService struct {
	sessions *session.Manager
	log      *slog.Logger
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(sessions *session.Manager, log *slog.Logger) *WorkflowService {
	if log == nil {
		log = slog.Default()
	}
	return &WorkflowService{sessions: sessions, log: log}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *WorkflowService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&workflowDesc, s)
}

type sessionRequest struct {
	SessionID string           `json:"session_id"`
	Text      string           `json:"text,omitempty"`
	Answers   []clarify.Answer `json:"answers,omitempty"`
}

func (s *WorkflowService) Create(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	sess := s.sessions.Create()
	return toStruct(sess.Snapshot())
}

func (s *WorkflowService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, req, func(ctx context.Context, sess *session.Session, r *sessionRequest) error {
		return sess.Submit(ctx, r.Text)
	})
}

func (s *WorkflowService) Answer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, req, func(ctx context.Context, sess *session.Session, r *sessionRequest) error {
		return sess.Answer(ctx, r.Answers)
	})
}

func (s *WorkflowService) Approve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, req, func(ctx context.Context, sess *session.Session, _ *sessionRequest) error {
		return sess.Approve(ctx)
	})
}

func (s *WorkflowService) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, req, func(_ context.Context, sess *session.Session, _ *sessionRequest) error {
		return sess.Cancel()
	})
}

func (s *WorkflowService) Regenerate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, req, func(ctx context.Context, sess *session.Session, _ *sessionRequest) error {
		return sess.Regenerate(ctx)
	})
}

func (s *WorkflowService) Snapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.apply(ctx, req, nil)
}

// Watch sends a snapshot of the session, then streams its events until
// the client disconnects or the session is closed.
func (s *WorkflowService) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var r sessionRequest
	if err := fromStruct(req, &r); err != nil {
		return err
	}
	sess, err := s.sessions.Get(r.SessionID)
	if err != nil {
		return statusError(err)
	}

	subID, ch := sess.Subscribe(256)
	defer sess.Unsubscribe(subID)

	snap, err := toStruct(map[string]any{
		"type":     "snapshot",
		"session":  sess.ID(),
		"snapshot": sess.Snapshot(),
	})
	if err != nil {
		return err
	}
	if err := stream.Send(snap); err != nil {
		return err
	}
	s.log.Info("grpc client subscribed", "session", sess.ID(), "subID", subID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "session", sess.ID(), "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := toStruct(evt)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func (s *WorkflowService) apply(ctx context.Context, req *structpb.Struct, op func(context.Context, *session.Session, *sessionRequest) error) (*structpb.Struct, error) {
	var r sessionRequest
	if err := fromStruct(req, &r); err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(r.SessionID)
	if err != nil {
		return nil, statusError(err)
	}
	if op != nil {
		if err := op(ctx, sess, &r); err != nil {
			return nil, statusError(err)
		}
	}
	return toStruct(sess.Snapshot())
}

// statusError maps a workflow error to a gRPC status.
func statusError(err error) error {
	var (
		verr *clarify.ValidationError
		f    *session.Failure
	)
	code := codes.Internal
	switch {
	case errors.Is(err, session.ErrNotFound):
		code = codes.NotFound
	case errors.As(err, &verr), errors.Is(err, clarify.ErrNoAnswers):
		code = codes.InvalidArgument
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrStale):
		code = codes.Aborted
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrClosed),
		errors.Is(err, approval.ErrGenerationPending), errors.Is(err, approval.ErrNoSpec):
		code = codes.FailedPrecondition
	case errors.As(err, &f):
		switch {
		case f.Kind == session.KindValidation:
			code = codes.InvalidArgument
		case f.TimedOut():
			code = codes.DeadlineExceeded
		default:
			code = codes.Unavailable
		}
	}
	return status.Error(code, err.Error())
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

func unaryHandler(call func(WorkflowServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkflowServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/%s", ServiceName, method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WorkflowServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WorkflowServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var workflowDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler(WorkflowServer.Create, "Create")},
		{MethodName: "Submit", Handler: unaryHandler(WorkflowServer.Submit, "Submit")},
		{MethodName: "Answer", Handler: unaryHandler(WorkflowServer.Answer, "Answer")},
		{MethodName: "Approve", Handler: unaryHandler(WorkflowServer.Approve, "Approve")},
		{MethodName: "Cancel", Handler: unaryHandler(WorkflowServer.Cancel, "Cancel")},
		{MethodName: "Regenerate", Handler: unaryHandler(WorkflowServer.Regenerate, "Regenerate")},
		{MethodName: "Snapshot", Handler: unaryHandler(WorkflowServer.Snapshot, "Snapshot")},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "stratflow/v1/workflow.proto",
}
