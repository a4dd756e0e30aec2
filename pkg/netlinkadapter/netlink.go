package netlinkadapter

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Interface is the agent's network-interface shape, independent of
// vishvananda/netlink's internal representation.
type Interface struct {
	Name        string
	HwAddr      string
	IPAddresses []string
	MTU         int
	Up          bool
}

// Route is the agent's route shape.
type Route struct {
	Dest    string
	Gateway string
	Device  string
	Source  string
}

// Handle wraps a NETLINK_ROUTE socket. Construct with New; the sandbox
// caches one per process and constructs it lazily on first network RPC
// (spec §4.6).
type Handle struct {
	nl *netlink.Handle
}

// New opens a NETLINK_ROUTE handle.
func New() (*Handle, error) {
	h, err := netlink.NewHandle(netlinkRouteFamily)
	if err != nil {
		return nil, fmt.Errorf("open rtnetlink handle: %w", err)
	}
	return &Handle{nl: h}, nil
}

// Close releases the underlying netlink socket.
func (h *Handle) Close() {
	if h.nl != nil {
		h.nl.Close()
	}
}

// ListInterfaces returns every link known to the kernel with its addresses.
func (h *Handle) ListInterfaces() ([]Interface, error) {
	links, err := h.nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	ifaces := make([]Interface, 0, len(links))
	for _, link := range links {
		addrs, err := h.nl.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return nil, fmt.Errorf("list addresses for %s: %w", link.Attrs().Name, err)
		}

		ips := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IPNet.String())
		}

		attrs := link.Attrs()
		ifaces = append(ifaces, Interface{
			Name:        attrs.Name,
			HwAddr:      attrs.HardwareAddr.String(),
			IPAddresses: ips,
			MTU:         attrs.MTU,
			Up:          attrs.Flags&net.FlagUp != 0,
		})
	}

	return ifaces, nil
}

// UpdateInterface applies IP addresses and the up/down state in iface to
// the matching kernel link and returns the resulting state.
func (h *Handle) UpdateInterface(iface Interface) (Interface, error) {
	link, err := h.nl.LinkByName(iface.Name)
	if err != nil {
		return Interface{}, fmt.Errorf("lookup link %s: %w", iface.Name, err)
	}

	for _, cidr := range iface.IPAddresses {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			return Interface{}, fmt.Errorf("parse address %s: %w", cidr, err)
		}
		if err := h.nl.AddrAdd(link, addr); err != nil {
			return Interface{}, fmt.Errorf("add address %s to %s: %w", cidr, iface.Name, err)
		}
	}

	if iface.MTU > 0 {
		if err := h.nl.LinkSetMTU(link, iface.MTU); err != nil {
			return Interface{}, fmt.Errorf("set MTU on %s: %w", iface.Name, err)
		}
	}

	if iface.Up {
		if err := h.nl.LinkSetUp(link); err != nil {
			return Interface{}, fmt.Errorf("set %s up: %w", iface.Name, err)
		}
	} else {
		if err := h.nl.LinkSetDown(link); err != nil {
			return Interface{}, fmt.Errorf("set %s down: %w", iface.Name, err)
		}
	}

	ifaces, err := h.ListInterfaces()
	if err != nil {
		return Interface{}, err
	}
	for _, got := range ifaces {
		if got.Name == iface.Name {
			return got, nil
		}
	}
	return Interface{}, fmt.Errorf("interface %s vanished after update", iface.Name)
}

// ListRoutes returns every route in the main routing table.
func (h *Handle) ListRoutes() ([]Route, error) {
	routes, err := h.nl.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return toRoutes(routes), nil
}

// UpdateRoutes applies each of routes with RouteReplace; routes not named
// in routes are left in place. Per the legacy contract preserved from spec
// §4.6: once the pre-call ListRoutes snapshot has been taken, any failure
// returns that snapshot with success rather than an error, so a caller
// cannot distinguish "nothing changed" from "partial failure" — that
// asymmetry is deliberate and documented, not a bug to fix here. Only a
// failure to take the snapshot itself is returned as an error.
func (h *Handle) UpdateRoutes(routes []Route) ([]Route, error) {
	before, err := h.ListRoutes()
	if err != nil {
		return nil, fmt.Errorf("snapshot routes before update: %w", err)
	}

	for _, r := range routes {
		nlRoute, err := toNetlinkRoute(r)
		if err != nil {
			return before, nil
		}
		if err := h.nl.RouteReplace(nlRoute); err != nil {
			return before, nil
		}
	}

	applied, err := h.ListRoutes()
	if err != nil {
		return before, nil
	}
	return applied, nil
}

func toRoutes(nlRoutes []netlink.Route) []Route {
	routes := make([]Route, 0, len(nlRoutes))
	for _, r := range nlRoutes {
		route := Route{}
		if r.Dst != nil {
			route.Dest = r.Dst.String()
		}
		if r.Gw != nil {
			route.Gateway = r.Gw.String()
		}
		if r.Src != nil {
			route.Source = r.Src.String()
		}
		if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
			route.Device = link.Attrs().Name
		}
		routes = append(routes, route)
	}
	return routes
}

func toNetlinkRoute(r Route) (*netlink.Route, error) {
	nlRoute := &netlink.Route{}

	if r.Dest != "" {
		_, dst, err := net.ParseCIDR(r.Dest)
		if err != nil {
			return nil, fmt.Errorf("parse destination %s: %w", r.Dest, err)
		}
		nlRoute.Dst = dst
	}

	if r.Gateway != "" {
		nlRoute.Gw = net.ParseIP(r.Gateway)
	}

	if r.Device != "" {
		link, err := netlink.LinkByName(r.Device)
		if err != nil {
			return nil, fmt.Errorf("lookup device %s: %w", r.Device, err)
		}
		nlRoute.LinkIndex = link.Attrs().Index
	}

	return nlRoute, nil
}

// netlinkRouteFamily is NETLINK_ROUTE.
const netlinkRouteFamily = 0
