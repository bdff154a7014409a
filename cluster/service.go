package cluster

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "blobkeeper.cluster.v1.Cluster"

// Handler is implemented by the node-local logic that answers cluster
// RPCs: replication.Writer for SendReplication, and the repair engine
// for the Merkle/difference/fetch trio.
type Handler interface {
	HandleReplication(ctx context.Context, env ReplicationEnvelope) error
	HandleMerkleTreeInfo(ctx context.Context, disk, partition uint32) (MerkleTreeInfo, error)
	HandleDifference(ctx context.Context, disk, partition uint32) (DifferenceInfo, error)
	HandleFetchRange(ctx context.Context, disk, partition uint32, ranges []RangeSpan) ([]ReplicationEnvelope, error)
}

// serviceDesc wires the four cluster RPCs by hand in place of a
// protoc-generated one: each MethodDesc decodes its request with the
// json codec, dispatches to Handler, and returns the response for the
// codec to encode.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendReplication", Handler: sendReplicationHandler},
		{MethodName: "GetMerkleTreeInfo", Handler: getMerkleTreeInfoHandler},
		{MethodName: "GetDifference", Handler: getDifferenceHandler},
		{MethodName: "FetchRange", Handler: fetchRangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cluster.proto",
}

func sendReplicationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req ReplicationEnvelope
	if err := dec(&req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		return sendResponse{}, h.HandleReplication(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SendReplication"}
	return interceptor(ctx, &req, info, func(ctx context.Context, req any) (any, error) {
		return sendResponse{}, h.HandleReplication(ctx, *req.(*ReplicationEnvelope))
	})
}

func getMerkleTreeInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req treeRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		return h.HandleMerkleTreeInfo(ctx, req.Disk, req.Partition)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetMerkleTreeInfo"}
	return interceptor(ctx, &req, info, func(ctx context.Context, req any) (any, error) {
		r := req.(*treeRequest)
		return h.HandleMerkleTreeInfo(ctx, r.Disk, r.Partition)
	})
}

func getDifferenceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req diffRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	if interceptor == nil {
		return h.HandleDifference(ctx, req.Disk, req.Partition)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetDifference"}
	return interceptor(ctx, &req, info, func(ctx context.Context, req any) (any, error) {
		r := req.(*diffRequest)
		return h.HandleDifference(ctx, r.Disk, r.Partition)
	})
}

func fetchRangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req fetchRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	call := func(ctx context.Context, req any) (any, error) {
		r := req.(*fetchRequest)
		files, err := h.HandleFetchRange(ctx, r.Disk, r.Partition, r.Ranges)
		return fetchResponse{Files: files}, err
	}
	if interceptor == nil {
		return call(ctx, &req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FetchRange"}
	return interceptor(ctx, &req, info, call)
}

// RegisterServer attaches Handler to a *grpc.Server under the cluster
// service descriptor.
func RegisterServer(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}
