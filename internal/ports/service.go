package ports

import (
	"context"
	"fmt"
	"sync"

	"gitlab.com/NebulousLabs/go-upnp"

	"github.com/namvu9/bitswarm/internal/errors"
)

const description = "bitswarm peer wire"

// Service forwards ports on the local network's gateway
type Service interface {
	Forward(ctx context.Context, port uint16) error
	ForwardMany(ctx context.Context, ports []uint16) (uint16, error)
	Clear(port uint16) error
	ExternalIP(ctx context.Context) (string, error)
}

type gateway struct {
	mu sync.Mutex
	d  *upnp.IGD
}

// discover finds a UPnP-enabled gateway the first time it is
// called
func (g *gateway) discover(ctx context.Context) (*upnp.IGD, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.d != nil {
		return g.d, nil
	}

	d, err := upnp.DiscoverCtx(ctx)
	if err != nil {
		return nil, err
	}

	g.d = d
	return d, nil
}

func (g *gateway) Forward(ctx context.Context, port uint16) error {
	var op errors.Op = "ports.Forward"

	d, err := g.discover(ctx)
	if err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	if err := d.Forward(port, description); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	return nil
}

// ForwardMany forwards the first of ports that can be
// forwarded and returns it
func (g *gateway) ForwardMany(ctx context.Context, ports []uint16) (uint16, error) {
	var op errors.Op = "ports.ForwardMany"

	for _, port := range ports {
		if err := g.Forward(ctx, port); err != nil {
			continue
		}

		return port, nil
	}

	err := fmt.Errorf("could not forward any of the ports %v", ports)
	return 0, errors.Wrap(err, op, errors.Network)
}

func (g *gateway) Clear(port uint16) error {
	var op errors.Op = "ports.Clear"

	g.mu.Lock()
	d := g.d
	g.mu.Unlock()

	if d == nil {
		return nil
	}

	if err := d.Clear(port); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	return nil
}

func (g *gateway) ExternalIP(ctx context.Context) (string, error) {
	var op errors.Op = "ports.ExternalIP"

	d, err := g.discover(ctx)
	if err != nil {
		return "", errors.Wrap(err, op, errors.Network)
	}

	ip, err := d.ExternalIP()
	if err != nil {
		return "", errors.Wrap(err, op, errors.Network)
	}

	return ip, nil
}

func NewService() Service {
	return &gateway{}
}
