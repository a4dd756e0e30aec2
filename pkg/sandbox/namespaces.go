package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// UpdateContainerNamespaces rewrites spec's namespace entries in place
// (spec §4.3): shared ipc/uts paths are substituted for whatever the host
// supplied (host paths are meaningless inside the guest), pid presence is
// recorded without rewriting its path, and a fresh pid namespace is
// appended if none was present and the sandbox has no sandbox-wide pid ns.
func (sb *Sandbox) UpdateContainerNamespaces(spec *specs.Spec) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.updateContainerNamespacesLocked(spec)
}

// updateContainerNamespacesLocked is the same rewrite, for callers
// (CreateContainer) that already hold sb.mu; sync.Mutex isn't reentrant so
// this must never call back into UpdateContainerNamespaces.
func (sb *Sandbox) updateContainerNamespacesLocked(spec *specs.Spec) {
	ipcPath := sb.SharedIPCNS.Path
	utsPath := sb.SharedUTSNs.Path
	sandboxPidNs := sb.SandboxPidNs

	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}

	hasPid := false
	for i := range spec.Linux.Namespaces {
		ns := &spec.Linux.Namespaces[i]
		switch ns.Type {
		case specs.PIDNamespace:
			hasPid = true
		case specs.IPCNamespace:
			ns.Path = ipcPath
		case specs.UTSNamespace:
			ns.Path = utsPath
		}
	}

	if !hasPid && !sandboxPidNs {
		spec.Linux.Namespaces = append(spec.Linux.Namespaces, specs.LinuxNamespace{
			Type: specs.PIDNamespace,
		})
	}
}
