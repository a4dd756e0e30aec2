package sandbox

import (
	"github.com/cuemby/kata-agent/pkg/agenterr"
	"github.com/cuemby/kata-agent/pkg/netlinkadapter"
)

// ListInterfaces reports every interface the kernel knows about (spec
// §4.6), lazily constructing the sandbox's netlink handle on first use.
func (sb *Sandbox) ListInterfaces() ([]netlinkadapter.Interface, error) {
	h, err := sb.rtnlHandle()
	if err != nil {
		return nil, err
	}
	ifaces, err := h.ListInterfaces()
	if err != nil {
		return nil, agenterr.New(agenterr.Internal, "list_interfaces", err)
	}
	return ifaces, nil
}

// UpdateInterface applies iface's addresses/MTU/up-down state (spec §4.6).
func (sb *Sandbox) UpdateInterface(iface netlinkadapter.Interface) (netlinkadapter.Interface, error) {
	h, err := sb.rtnlHandle()
	if err != nil {
		return netlinkadapter.Interface{}, err
	}
	updated, err := h.UpdateInterface(iface)
	if err != nil {
		return netlinkadapter.Interface{}, agenterr.New(agenterr.Internal, "update_interface", err)
	}
	return updated, nil
}

// ListRoutes reports the main routing table (spec §4.6).
func (sb *Sandbox) ListRoutes() ([]netlinkadapter.Route, error) {
	h, err := sb.rtnlHandle()
	if err != nil {
		return nil, err
	}
	routes, err := h.ListRoutes()
	if err != nil {
		return nil, agenterr.New(agenterr.Internal, "list_routes", err)
	}
	return routes, nil
}

// UpdateRoutes applies routes to the route table. Per the legacy contract
// preserved from spec §4.6, netlinkadapter.Handle.UpdateRoutes already
// returns the pre-call snapshot with a nil error on any failure after that
// snapshot is taken; this method does not second-guess that.
func (sb *Sandbox) UpdateRoutes(routes []netlinkadapter.Route) ([]netlinkadapter.Route, error) {
	h, err := sb.rtnlHandle()
	if err != nil {
		return nil, err
	}
	return h.UpdateRoutes(routes)
}
