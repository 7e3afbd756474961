package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/metal-stack/go-ipam"
)

var (
	ErrInvalidCIDRSize        = errors.New("invalid cidr size")
	ErrCouldNotParseCIDR      = errors.New("could not parse cidr")
	ErrCouldNotCreatePrefix   = errors.New("could not create prefix")
	ErrCouldNotAcquireSegment = errors.New("could not acquire segment prefix")
	ErrCouldNotAcquireIP      = errors.New("could not acquire IP")
	ErrCouldNotReleaseIP      = errors.New("could not release IP")
	ErrCouldNotReleaseSegment = errors.New("could not release segment prefix")
	ErrAddressingNotOpen      = errors.New("addressing is not open")
)

const defaultSegmentBits uint8 = 24

// Addressing hands out test network addresses. Each broadcast segment gets a
// child prefix of the test network, and each endpoint one IP in its segment.
type Addressing struct {
	cidr        string
	segmentBits uint8

	ipam   ipam.Ipamer
	prefix *ipam.Prefix

	lock     sync.Mutex
	segments map[string]*ipam.Prefix
	ips      map[string][]*ipam.IP
}

func NewAddressing(cidr string, segmentBits uint8) *Addressing {
	if segmentBits == 0 {
		segmentBits = defaultSegmentBits
	}

	return &Addressing{
		cidr:        cidr,
		segmentBits: segmentBits,

		segments: map[string]*ipam.Prefix{},
		ips:      map[string][]*ipam.IP{},
	}
}

func (a *Addressing) Open(ctx context.Context) error {
	_, netCIDR, err := net.ParseCIDR(a.cidr)
	if err != nil {
		return errors.Join(ErrCouldNotParseCIDR, err)
	}

	// Segments need room for the network, broadcast and at least two hosts
	if size, bits := netCIDR.Mask.Size(); size > int(a.segmentBits) || int(a.segmentBits) > bits-2 {
		return fmt.Errorf("%w: /%d segments in %s", ErrInvalidCIDRSize, a.segmentBits, a.cidr)
	}

	a.ipam = ipam.New(ctx)

	a.prefix, err = a.ipam.NewPrefix(ctx, a.cidr)
	if err != nil {
		return errors.Join(ErrCouldNotCreatePrefix, err)
	}

	return nil
}

// Segment returns the prefix of segment, acquiring it on first use.
func (a *Addressing) Segment(ctx context.Context, segment string) (string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	prefix, err := a.segment(ctx, segment)
	if err != nil {
		return "", err
	}

	return prefix.Cidr, nil
}

// AcquireIP returns a free address in segment in CIDR notation.
func (a *Addressing) AcquireIP(ctx context.Context, segment string) (string, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	prefix, err := a.segment(ctx, segment)
	if err != nil {
		return "", err
	}

	ip, err := a.ipam.AcquireIP(ctx, prefix.Cidr)
	if err != nil {
		return "", errors.Join(ErrCouldNotAcquireIP, err)
	}
	a.ips[segment] = append(a.ips[segment], ip)

	return fmt.Sprintf("%s/%d", ip.IP.String(), a.segmentBits), nil
}

func (a *Addressing) AvailableSegments() uint64 {
	if a.prefix == nil {
		return 0
	}

	return a.prefix.Usage().AvailableSmallestPrefixes
}

// Close releases every address and segment.
func (a *Addressing) Close(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.ipam == nil {
		return nil
	}

	var errs error
	for segment, prefix := range a.segments {
		for _, ip := range a.ips[segment] {
			if _, err := a.ipam.ReleaseIP(ctx, ip); err != nil {
				errs = errors.Join(errs, ErrCouldNotReleaseIP, err)
			}
		}
		delete(a.ips, segment)

		if err := a.ipam.ReleaseChildPrefix(ctx, prefix); err != nil {
			errs = errors.Join(errs, ErrCouldNotReleaseSegment, err)
		}
		delete(a.segments, segment)
	}

	return errs
}

func (a *Addressing) segment(ctx context.Context, segment string) (*ipam.Prefix, error) {
	if a.ipam == nil {
		return nil, ErrAddressingNotOpen
	}

	if prefix, ok := a.segments[segment]; ok {
		return prefix, nil
	}

	prefix, err := a.ipam.AcquireChildPrefix(ctx, a.prefix.Cidr, a.segmentBits)
	if err != nil {
		return nil, errors.Join(ErrCouldNotAcquireSegment, err)
	}
	a.segments[segment] = prefix

	return prefix, nil
}
