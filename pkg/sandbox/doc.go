// Package sandbox is the core of the in-guest container agent: the
// process-wide Sandbox singleton, its Container/Process registries, and
// the container and process lifecycle operations (spec §3, §4.1-§4.3).
//
// Sandbox is guarded by one coarse mutex (spec §5). Handlers that must
// block on a syscall (read/write, wait-on-exit-pipe, external ps, destroy
// with a timeout) drop the lock before the blocking call and re-acquire it
// only to mutate state.
package sandbox
