// Package log provides structured logging for the agent using zerolog.
//
// A single global Logger is configured once via Init and every subsystem
// derives a component-scoped child logger from it (WithComponent,
// WithContainerID, WithExecID, WithPID) rather than logging through the
// global logger directly.
package log
