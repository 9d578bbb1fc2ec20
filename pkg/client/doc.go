// Package client is the Go client for the gRPC gateway. It shares the wire
// structs of pkg/api, speaks the same JSON content-subtype, and stamps the
// configured tenant onto every call. The CLI is its main consumer.
package client
