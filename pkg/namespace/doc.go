// Package namespace creates persistent IPC and UTS namespaces by unsharing
// on a dedicated worker goroutine and bind-mounting the resulting
// /proc/<pid>/task/<tid>/ns/<type> inode onto a regular file, so the
// namespace survives the worker exiting. PID namespaces cannot be persisted
// this way and Setup refuses them (spec §4.4).
package namespace
