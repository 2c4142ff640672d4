package rpc

import (
	"context"

	api "github.com/TriviaNFT/triviaNFT-sub002/api/v1"
	"github.com/TriviaNFT/triviaNFT-sub002/service"
	"github.com/TriviaNFT/triviaNFT-sub002/util"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const RUN_ADMIN_SERVICE = "orchy.admin.v1.RunAdmin"

type RunService interface {
	GetRun(ctx context.Context, runId string) (*service.RunView, error)
	GetRunByKey(ctx context.Context, definitionName string, idempotencyKey string) (*service.RunView, error)
}

// RunAdminServer answers operator lookups. Messages are plain Structs so the
// service needs no generated code.
type RunAdminServer interface {
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRunByKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var _ RunAdminServer = (*grpcServer)(nil)

func (srv *grpcServer) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runId := util.StringField(req, "runId")
	if runId == "" {
		return nil, api.InvalidRequestError{Field: "runId", Message: "must not be empty"}
	}
	view, err := srv.RunService.GetRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	return util.ConvertToStruct(view)
}

func (srv *grpcServer) GetRunByKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	view, err := srv.RunService.GetRunByKey(ctx, util.StringField(req, "definitionName"), util.StringField(req, "idempotencyKey"))
	if err != nil {
		return nil, err
	}
	return util.ConvertToStruct(view)
}

func RegisterRunAdminServer(s *grpc.Server, srv RunAdminServer) {
	s.RegisterService(&runAdminServiceDesc, srv)
}

func unaryHandler(method string, call func(RunAdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RunAdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + RUN_ADMIN_SERVICE + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(RunAdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var runAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: RUN_ADMIN_SERVICE,
	HandlerType: (*RunAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("GetRun", RunAdminServer.GetRun),
		unaryHandler("GetRunByKey", RunAdminServer.GetRunByKey),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orchy/admin/v1/run_admin.proto",
}
