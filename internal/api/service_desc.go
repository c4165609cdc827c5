package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kubememory.v1.KubeMemory"

// Method names of the KubeMemory service.
const (
	MethodStartWatch             = "StartWatch"
	MethodStopWatch              = "StopWatch"
	MethodWatchStatus            = "WatchStatus"
	MethodIngestEvent            = "IngestEvent"
	MethodRunPipeline            = "RunPipeline"
	MethodSubmitFix              = "SubmitFix"
	MethodQuerySimilar           = "QuerySimilar"
	MethodQueryBlastRadius       = "QueryBlastRadius"
	MethodQueryDeployCorrelation = "QueryDeployCorrelation"
	MethodRecordDeploy           = "RecordDeploy"
	MethodUpdateStatus           = "UpdateStatus"
	MethodQueryPatterns          = "QueryPatterns"
	MethodGenerateRunbook        = "GenerateRunbook"
	MethodPodHistory             = "PodHistory"
	MethodGetIncident            = "GetIncident"
	MethodGetAnalysis            = "GetAnalysis"
	MethodSubscribe              = "Subscribe"
)

// KubeMemoryServer is the server API of the KubeMemory service. Every message is a google.protobuf.Struct
// carrying the JSON form of the request or response.
type KubeMemoryServer interface {
	StartWatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopWatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IngestEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunPipeline(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitFix(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QuerySimilar(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryBlastRadius(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryDeployCorrelation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordDeploy(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryPatterns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateRunbook(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PodHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetIncident(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryMethod func(KubeMemoryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// KubeMemoryServiceDesc describes the service for grpc.Server.RegisterService.
var KubeMemoryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KubeMemoryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStartWatch, KubeMemoryServer.StartWatch),
		unary(MethodStopWatch, KubeMemoryServer.StopWatch),
		unary(MethodWatchStatus, KubeMemoryServer.WatchStatus),
		unary(MethodIngestEvent, KubeMemoryServer.IngestEvent),
		unary(MethodRunPipeline, KubeMemoryServer.RunPipeline),
		unary(MethodSubmitFix, KubeMemoryServer.SubmitFix),
		unary(MethodQuerySimilar, KubeMemoryServer.QuerySimilar),
		unary(MethodQueryBlastRadius, KubeMemoryServer.QueryBlastRadius),
		unary(MethodQueryDeployCorrelation, KubeMemoryServer.QueryDeployCorrelation),
		unary(MethodRecordDeploy, KubeMemoryServer.RecordDeploy),
		unary(MethodUpdateStatus, KubeMemoryServer.UpdateStatus),
		unary(MethodQueryPatterns, KubeMemoryServer.QueryPatterns),
		unary(MethodGenerateRunbook, KubeMemoryServer.GenerateRunbook),
		unary(MethodPodHistory, KubeMemoryServer.PodHistory),
		unary(MethodGetIncident, KubeMemoryServer.GetIncident),
		unary(MethodGetAnalysis, KubeMemoryServer.GetAnalysis),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodSubscribe,
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "kubememory/v1/kubememory.proto",
}

// RegisterKubeMemoryServer registers srv on s.
func RegisterKubeMemoryServer(s grpc.ServiceRegistrar, srv KubeMemoryServer) {
	s.RegisterService(&KubeMemoryServiceDesc, srv)
}

// FullMethod returns the wire path of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(KubeMemoryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(KubeMemoryServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(KubeMemoryServer).Subscribe(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}
