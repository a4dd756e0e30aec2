package netlinkadapter

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestToRoutes(t *testing.T) {
	_, dst, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)

	nlRoutes := []netlink.Route{
		{Dst: dst, Gw: net.ParseIP("10.0.0.1")},
	}

	routes := toRoutes(nlRoutes)
	require.Len(t, routes, 1)
	assert.Equal(t, "10.0.0.0/24", routes[0].Dest)
	assert.Equal(t, "10.0.0.1", routes[0].Gateway)
}

func TestToNetlinkRouteInvalidDestination(t *testing.T) {
	_, err := toNetlinkRoute(Route{Dest: "not-a-cidr"})
	assert.Error(t, err)
}

func TestToNetlinkRouteNoDestination(t *testing.T) {
	r, err := toNetlinkRoute(Route{Gateway: "10.0.0.1"})
	require.NoError(t, err)
	assert.Nil(t, r.Dst)
	assert.Equal(t, "10.0.0.1", r.Gw.String())
}
