package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clove.v1.Authz"

// Full method names, usable with grpc.UnaryServerInfo and interceptors.
const (
	Authz_Check_FullMethodName         = "/clove.v1.Authz/Check"
	Authz_BatchCheck_FullMethodName    = "/clove.v1.Authz/BatchCheck"
	Authz_Write_FullMethodName         = "/clove.v1.Authz/Write"
	Authz_Read_FullMethodName          = "/clove.v1.Authz/Read"
	Authz_ListObjects_FullMethodName   = "/clove.v1.Authz/ListObjects"
	Authz_ListUsers_FullMethodName     = "/clove.v1.Authz/ListUsers"
	Authz_WriteModel_FullMethodName    = "/clove.v1.Authz/WriteModel"
	Authz_ReadModel_FullMethodName     = "/clove.v1.Authz/ReadModel"
	Authz_ActivateModel_FullMethodName = "/clove.v1.Authz/ActivateModel"
	Authz_ListModels_FullMethodName    = "/clove.v1.Authz/ListModels"
)

// AuthzServer is the server contract of clove.v1.Authz.
type AuthzServer interface {
	// Check answers whether a user has a relation on an object.
	Check(context.Context, *CheckRequest) (*CheckResponse, error)
	// BatchCheck evaluates independent checks, preserving order.
	BatchCheck(context.Context, *BatchCheckRequest) (*BatchCheckResponse, error)
	// Write atomically applies tuple deletes then writes.
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
	// Read returns stored tuples matching a bounded filter.
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	// ListObjects resolves the objects a user holds a relation on.
	ListObjects(context.Context, *ListObjectsRequest) (*ListObjectsResponse, error)
	// ListUsers resolves the members of an object's relation.
	ListUsers(context.Context, *ListUsersRequest) (*ListUsersResponse, error)
	// WriteModel stores (and optionally activates) a model version.
	WriteModel(context.Context, *WriteModelRequest) (*WriteModelResponse, error)
	// ReadModel returns a stored model version or the active one.
	ReadModel(context.Context, *ReadModelRequest) (*ReadModelResponse, error)
	// ActivateModel atomically switches the active model version.
	ActivateModel(context.Context, *ActivateModelRequest) (*ActivateModelResponse, error)
	// ListModels returns stored model versions, newest first.
	ListModels(context.Context, *ListModelsRequest) (*ListModelsResponse, error)
}

// UnimplementedAuthzServer returns Unimplemented from every method.
// Embed it to keep implementations forward compatible.
type UnimplementedAuthzServer struct{}

func (UnimplementedAuthzServer) Check(context.Context, *CheckRequest) (*CheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Check not implemented")
}
func (UnimplementedAuthzServer) BatchCheck(context.Context, *BatchCheckRequest) (*BatchCheckResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method BatchCheck not implemented")
}
func (UnimplementedAuthzServer) Write(context.Context, *WriteRequest) (*WriteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Write not implemented")
}
func (UnimplementedAuthzServer) Read(context.Context, *ReadRequest) (*ReadResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Read not implemented")
}
func (UnimplementedAuthzServer) ListObjects(context.Context, *ListObjectsRequest) (*ListObjectsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListObjects not implemented")
}
func (UnimplementedAuthzServer) ListUsers(context.Context, *ListUsersRequest) (*ListUsersResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListUsers not implemented")
}
func (UnimplementedAuthzServer) WriteModel(context.Context, *WriteModelRequest) (*WriteModelResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method WriteModel not implemented")
}
func (UnimplementedAuthzServer) ReadModel(context.Context, *ReadModelRequest) (*ReadModelResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReadModel not implemented")
}
func (UnimplementedAuthzServer) ActivateModel(context.Context, *ActivateModelRequest) (*ActivateModelResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ActivateModel not implemented")
}
func (UnimplementedAuthzServer) ListModels(context.Context, *ListModelsRequest) (*ListModelsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListModels not implemented")
}

// RegisterAuthzServer registers an implementation on a grpc.Server.
func RegisterAuthzServer(s grpc.ServiceRegistrar, srv AuthzServer) {
	s.RegisterService(&Authz_ServiceDesc, srv)
}

func _Authz_Check_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_Check_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).Check(ctx, req.(*CheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_BatchCheck_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BatchCheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).BatchCheck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_BatchCheck_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).BatchCheck(ctx, req.(*BatchCheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_Write_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_Write_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).Write(ctx, req.(*WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_Read_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).Read(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_Read_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).Read(ctx, req.(*ReadRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_ListObjects_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListObjectsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).ListObjects(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_ListObjects_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).ListObjects(ctx, req.(*ListObjectsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_ListUsers_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListUsersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).ListUsers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_ListUsers_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).ListUsers(ctx, req.(*ListUsersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_WriteModel_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WriteModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).WriteModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_WriteModel_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).WriteModel(ctx, req.(*WriteModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_ReadModel_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).ReadModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_ReadModel_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).ReadModel(ctx, req.(*ReadModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_ActivateModel_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ActivateModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).ActivateModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_ActivateModel_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).ActivateModel(ctx, req.(*ActivateModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Authz_ListModels_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListModelsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthzServer).ListModels(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Authz_ListModels_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthzServer).ListModels(ctx, req.(*ListModelsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Authz_ServiceDesc is the grpc.ServiceDesc for the Authz service.
var Authz_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthzServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: _Authz_Check_Handler},
		{MethodName: "BatchCheck", Handler: _Authz_BatchCheck_Handler},
		{MethodName: "Write", Handler: _Authz_Write_Handler},
		{MethodName: "Read", Handler: _Authz_Read_Handler},
		{MethodName: "ListObjects", Handler: _Authz_ListObjects_Handler},
		{MethodName: "ListUsers", Handler: _Authz_ListUsers_Handler},
		{MethodName: "WriteModel", Handler: _Authz_WriteModel_Handler},
		{MethodName: "ReadModel", Handler: _Authz_ReadModel_Handler},
		{MethodName: "ActivateModel", Handler: _Authz_ActivateModel_Handler},
		{MethodName: "ListModels", Handler: _Authz_ListModels_Handler},
	},
	Streams: []grpc.StreamDesc{},
}

// AuthzClient is the client contract of clove.v1.Authz.
type AuthzClient interface {
	Check(ctx context.Context, in *CheckRequest, opts ...grpc.CallOption) (*CheckResponse, error)
	BatchCheck(ctx context.Context, in *BatchCheckRequest, opts ...grpc.CallOption) (*BatchCheckResponse, error)
	Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error)
	Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error)
	ListObjects(ctx context.Context, in *ListObjectsRequest, opts ...grpc.CallOption) (*ListObjectsResponse, error)
	ListUsers(ctx context.Context, in *ListUsersRequest, opts ...grpc.CallOption) (*ListUsersResponse, error)
	WriteModel(ctx context.Context, in *WriteModelRequest, opts ...grpc.CallOption) (*WriteModelResponse, error)
	ReadModel(ctx context.Context, in *ReadModelRequest, opts ...grpc.CallOption) (*ReadModelResponse, error)
	ActivateModel(ctx context.Context, in *ActivateModelRequest, opts ...grpc.CallOption) (*ActivateModelResponse, error)
	ListModels(ctx context.Context, in *ListModelsRequest, opts ...grpc.CallOption) (*ListModelsResponse, error)
}

type authzClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthzClient builds a client on an established connection. Every
// call is sent with the JSON content-subtype; callers do not need to
// set it themselves.
func NewAuthzClient(cc grpc.ClientConnInterface) AuthzClient {
	return &authzClient{cc: cc}
}

func (c *authzClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	callOpts := make([]grpc.CallOption, 0, len(opts)+1)
	callOpts = append(callOpts, grpc.CallContentSubtype(CodecName))
	callOpts = append(callOpts, opts...)
	return c.cc.Invoke(ctx, method, in, out, callOpts...)
}

func (c *authzClient) Check(ctx context.Context, in *CheckRequest, opts ...grpc.CallOption) (*CheckResponse, error) {
	out := new(CheckResponse)
	if err := c.invoke(ctx, Authz_Check_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) BatchCheck(ctx context.Context, in *BatchCheckRequest, opts ...grpc.CallOption) (*BatchCheckResponse, error) {
	out := new(BatchCheckResponse)
	if err := c.invoke(ctx, Authz_BatchCheck_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.invoke(ctx, Authz_Write_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	out := new(ReadResponse)
	if err := c.invoke(ctx, Authz_Read_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) ListObjects(ctx context.Context, in *ListObjectsRequest, opts ...grpc.CallOption) (*ListObjectsResponse, error) {
	out := new(ListObjectsResponse)
	if err := c.invoke(ctx, Authz_ListObjects_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) ListUsers(ctx context.Context, in *ListUsersRequest, opts ...grpc.CallOption) (*ListUsersResponse, error) {
	out := new(ListUsersResponse)
	if err := c.invoke(ctx, Authz_ListUsers_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) WriteModel(ctx context.Context, in *WriteModelRequest, opts ...grpc.CallOption) (*WriteModelResponse, error) {
	out := new(WriteModelResponse)
	if err := c.invoke(ctx, Authz_WriteModel_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) ReadModel(ctx context.Context, in *ReadModelRequest, opts ...grpc.CallOption) (*ReadModelResponse, error) {
	out := new(ReadModelResponse)
	if err := c.invoke(ctx, Authz_ReadModel_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) ActivateModel(ctx context.Context, in *ActivateModelRequest, opts ...grpc.CallOption) (*ActivateModelResponse, error) {
	out := new(ActivateModelResponse)
	if err := c.invoke(ctx, Authz_ActivateModel_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authzClient) ListModels(ctx context.Context, in *ListModelsRequest, opts ...grpc.CallOption) (*ListModelsResponse, error) {
	out := new(ListModelsResponse)
	if err := c.invoke(ctx, Authz_ListModels_FullMethodName, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
