// Package netlinkadapter wraps github.com/vishvananda/netlink behind the
// narrow surface the agent needs (spec §4.6): list/update interfaces,
// list/update routes. The handle is lazily constructed by the sandbox on
// first network RPC and cached for the sandbox's lifetime.
package netlinkadapter
