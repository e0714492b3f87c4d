//go:build windows

package localip

// Adapted from go:net/interface_windows.go; IPv4 default gateways only.
import (
	"net"
	"os"
	"syscall"
	"unsafe"
)

func getAdapterList() (*syscall.IpAdapterInfo, error) {
	b := make([]byte, 1000)
	l := uint32(len(b))
	a := (*syscall.IpAdapterInfo)(unsafe.Pointer(&b[0]))
	err := syscall.GetAdaptersInfo(a, &l)
	if err == syscall.ERROR_BUFFER_OVERFLOW {
		b = make([]byte, l)
		a = (*syscall.IpAdapterInfo)(unsafe.Pointer(&b[0]))
		err = syscall.GetAdaptersInfo(a, &l)
	}
	if err != nil {
		return nil, os.NewSyscallError("GetAdaptersInfo", err)
	}
	return a, nil
}

// getGatewayAddrs reads the default gateway recorded against each
// Windows network adapter via GetAdaptersInfo. upnpgw.New uses the
// result (via DefaultGatewayIPs) to tell a real IGD's LAN-facing
// address apart from unrelated routers SSDP multicast may turn up on a
// multi-homed host.
func getGatewayAddrs() (gwaddr []net.IP, err error) {
	ai, err := getAdapterList()
	if err != nil {
		return nil, err
	}

	for ; ai != nil; ai = ai.Next {
		for g := &ai.GatewayList; g != nil; g = g.Next {
			s := string(g.IpAddress.String[:])
			if ip := net.ParseIP(s); ip != nil {
				gwaddr = append(gwaddr, ip)
			}
		}
	}

	return gwaddr, nil
}
