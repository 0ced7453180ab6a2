// Package geo resolves a client address to a coarse location. The resolver
// is an interface so deployments can plug a real IP intelligence provider.
package geo

import (
	"context"
	"net"
	"strings"

	"github.com/summitlabs/bastion/internal/models"
)

// Locator maps a client address to a location. Implementations return a nil
// location, not an error, when the address cannot be resolved; lookups must
// never block a login decision.
type Locator interface {
	Locate(ctx context.Context, clientAddress string) *models.Location
}

// StaticLocator resolves addresses from a fixed table. Loopback and private
// addresses map to a local placeholder so development traffic still produces
// consistent location history.
type StaticLocator struct {
	table map[string]models.Location
}

// NewStaticLocator creates a locator backed by an in-memory table keyed by
// exact client address.
func NewStaticLocator(table map[string]models.Location) *StaticLocator {
	if table == nil {
		table = make(map[string]models.Location)
	}
	return &StaticLocator{table: table}
}

func (l *StaticLocator) Locate(_ context.Context, clientAddress string) *models.Location {
	if loc, ok := l.table[clientAddress]; ok {
		return &loc
	}
	if isLocalAddress(clientAddress) {
		return &models.Location{Country: "Local", City: "Localhost"}
	}
	return nil
}

func isLocalAddress(clientAddress string) bool {
	if clientAddress == "localhost" || strings.HasPrefix(clientAddress, "127.") {
		return true
	}
	ip := net.ParseIP(clientAddress)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
