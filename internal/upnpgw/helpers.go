package upnpgw

import (
	"math/rand"
	"strings"
)

// isOnlyPermanentLeasesSupported reports whether err is the gateway
// rejecting a timed lease request (UPnP error code 725,
// "OnlyPermanentLeasesSupported"). goupnp surfaces IGD SOAP faults as
// *soap.SOAPFaultError wrapping a *soap.UPnPError whose message
// contains the UPnP error code; matching on the rendered error text
// keeps this package from having to import goupnp/soap's internal
// fault-detail shape, which differs slightly between the IGDv1 and
// IGDv2 client packages.
func isOnlyPermanentLeasesSupported(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "725") || strings.Contains(s, "onlypermanentleasessupported") || strings.Contains(s, "only permanent lease")
}

// randomPort picks a pseudo-random candidate external port for
// gateways that only speak IGDv1 and thus have no AddAnyPortMapping
// operation to delegate port selection to.
func randomPort() uint16 {
	const low, high = 1025, 65000
	return uint16(low + rand.Intn(high-low))
}
