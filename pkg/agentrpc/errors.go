package agentrpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/kata-agent/pkg/agenterr"
)

// ToStatus classifies err's agenterr.Kind and wraps it as a grpc status
// error, the way pkg/api/interceptor.go builds status errors directly with
// codes/status. nil in, nil out.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}

	kind := agenterr.KindOf(err)
	code := codes.Internal

	switch kind {
	case agenterr.InvalidArgument:
		code = codes.InvalidArgument
	case agenterr.NotFound:
		code = codes.NotFound
	case agenterr.Precondition:
		code = codes.FailedPrecondition
	case agenterr.IO:
		// write_stream reports IO failures as InvalidArgument (the caller
		// handed us an unwritable destination); every other IO path is
		// Internal (spec §7).
		if opOf(err) == "write_stream" {
			code = codes.InvalidArgument
		} else {
			code = codes.Internal
		}
	case agenterr.Timeout:
		code = codes.DeadlineExceeded
	case agenterr.Unavailable:
		code = codes.Unavailable
	case agenterr.Unimplemented:
		code = codes.Unimplemented
	case agenterr.Internal:
		code = codes.Internal
	}

	return status.Error(code, err.Error())
}

func opOf(err error) string {
	if e, ok := err.(*agenterr.Error); ok {
		return e.Op
	}
	return ""
}
