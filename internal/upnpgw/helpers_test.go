package upnpgw

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsOnlyPermanentLeasesSupported(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SOAP fault: UPnPError 725: OnlyPermanentLeasesSupported"), true},
		{errors.New("upnp error: only permanent lease supported by this gateway"), true},
		{fmt.Errorf("wrapped: %w", errors.New("error code 725")), true},
		{errors.New("SOAP fault: UPnPError 718: ConflictInMappingEntry"), false},
		{errors.New("connection refused"), false},
	}
	for _, c := range cases {
		if got := isOnlyPermanentLeasesSupported(c.err); got != c.want {
			t.Errorf("isOnlyPermanentLeasesSupported(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestRandomPortInRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p := randomPort()
		if p < 1025 || p >= 65000 {
			t.Fatalf("randomPort() = %d, out of expected range", p)
		}
	}
}
