package hub

import (
	"context"

	"github.com/technosupport/homeguard/internal/model"
)

// Target is everything needed to open a session with one hub.
type Target struct {
	DeviceID string
	Address  string
	LocalKey string
	Version  string
}

// Transport is one open session with the hub. Errors are wrapped in the
// model sentinels: ErrTransportUnreachable for I/O, ErrProtocolDecode for
// replies that cannot be decrypted or parsed, ErrCommandRejected for a
// refused write.
//
// Close must be safe to call while Status or Set is blocked; it is how the
// manager aborts a hung request.
type Transport interface {
	// Status returns every data point the hub reports, in wire order.
	Status(ctx context.Context) ([]model.DataPoint, error)
	// Set writes data points and returns once the hub acknowledges them.
	Set(ctx context.Context, points []model.DataPoint) error
	Close() error
}

type Dialer func(ctx context.Context, t Target) (Transport, error)

// Locator finds the current address of a hub whose DHCP lease moved.
type Locator interface {
	Locate(ctx context.Context, deviceID string) (string, error)
}
