// Package execruntime is the default sandbox.ContainerRuntime wired by
// cmd/kata-agent: it runs each process directly via os/exec rather than
// driving a full OCI runtime. Rootfs construction, pivot_root, and cgroup
// placement are the "container runtime library" spec.md §1 names as an
// external collaborator with a fixed contract; a production deployment
// swaps this package for one backed by that collaborator the same way
// pkg/sandbox.ContainerRuntime lets it, without pkg/sandbox itself ever
// importing a concrete driver.
package execruntime
