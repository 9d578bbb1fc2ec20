// Package api is the gRPC gateway. The hutch.v1.Kernel service is registered
// through a hand-written grpc.ServiceDesc over a JSON codec, so the wire
// surface is a set of plain Go structs shared with pkg/client rather than
// generated stubs. The interceptor chain recovers panics, writes one access
// log line per call, resolves the caller's tenant (x-tenant-id metadata,
// else the client certificate's common name), and maps error kinds onto
// gRPC status codes. The standard grpc.health.v1 service rides the same
// listener.
package api
