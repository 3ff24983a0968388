package seriallink

import (
	"strings"

	"go.bug.st/serial/enumerator"
)

// AutoPort is the configured port value that requests discovery.
const AutoPort = "auto"

// FallbackPort is used when discovery finds nothing that looks like the
// microcontroller.
const FallbackPort = "/dev/ttyACM0"

// portLister is swapped in tests.
var portLister = enumerator.GetDetailedPortsList

// DiscoverPort returns the first port whose product string names an Arduino
// or that is attached over USB. Enumeration errors are not fatal; the
// fallback port is returned instead.
func DiscoverPort() string {
	ports, err := portLister()
	if err != nil || len(ports) == 0 {
		return FallbackPort
	}

	for _, p := range ports {
		if strings.Contains(strings.ToLower(p.Product), "arduino") {
			return p.Name
		}
	}
	for _, p := range ports {
		if p.IsUSB {
			return p.Name
		}
	}
	return FallbackPort
}

// ResolvePort expands AutoPort and passes any other value through unchanged.
func ResolvePort(configured string) string {
	if configured == "" || strings.EqualFold(configured, AutoPort) {
		return DiscoverPort()
	}
	return configured
}
