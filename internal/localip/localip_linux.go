//go:build linux

package localip

import (
	"net"
	"syscall"
)

// getGatewayAddrs asks the kernel's routing table for every configured
// default gateway, by walking an RTM_GETROUTE netlink dump and
// collecting RTA_GATEWAY attributes. upnpgw.New uses the result (via
// DefaultGatewayIPs) to tell a real IGD's LAN-facing address apart from
// unrelated routers SSDP multicast may turn up on a multi-homed host.
func getGatewayAddrs() (gwaddr []net.IP, err error) {
	rib, err := syscall.NetlinkRIB(syscall.RTM_GETROUTE, syscall.AF_INET)
	if err != nil {
		return nil, err
	}

	msgs, err := syscall.ParseNetlinkMessage(rib)
	if err != nil {
		return nil, err
	}

loop:
	for _, m := range msgs {
		switch m.Header.Type {
		case syscall.RTM_NEWROUTE:
			attrs, err := syscall.ParseNetlinkRouteAttr(&m)
			if err != nil {
				continue
			}

			for _, a := range attrs {
				if a.Attr.Type == syscall.RTA_GATEWAY {
					ip := net.IP(a.Value[0:4])
					gwaddr = append(gwaddr, ip.To16())
				}
			}

		case syscall.NLMSG_DONE:
			break loop
		}
	}

	return gwaddr, nil
}
