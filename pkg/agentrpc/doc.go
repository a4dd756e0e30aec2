// Package agentrpc is the RPC dispatcher: it maps each agent RPC onto a
// pkg/sandbox operation, classifies the returned error into a grpc status,
// and bounds concurrent handler execution with a fixed-size worker pool
// (spec §5, §6). Wire transport and protobuf schema generation are out of
// scope (spec.md §1); the dispatcher's methods take and return plain Go
// request/response structs, with grpc_health_v1 wired in directly since it
// ships compiled in google.golang.org/grpc and needs no codegen step.
package agentrpc
