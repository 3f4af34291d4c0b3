// Package preflight checks that the eligibility endpoint host resolves before
// a batch starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrDNSUnreachable is returned when no resolver could resolve the host.
var ErrDNSUnreachable = errors.New("dns unreachable")

// Resolver resolves IPv4 addresses for a host.
type Resolver interface {
	Name() string
	LookupIPv4(ctx context.Context, host string) ([]string, error)
}

// DNSServer queries one nameserver directly, bypassing the system resolver.
type DNSServer struct {
	Label   string
	Addr    string // host or host:port; port 53 is assumed when missing
	Timeout time.Duration

	resolver *net.Resolver
}

// NewDNSServer creates a resolver that sends every query to addr.
func NewDNSServer(label, addr string, timeout time.Duration) *DNSServer {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}
	s := &DNSServer{Label: label, Addr: addr, Timeout: timeout}
	s.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: s.Timeout}
			return d.DialContext(ctx, network, s.Addr)
		},
	}
	return s
}

// Name returns a human-readable resolver name.
func (s *DNSServer) Name() string {
	return fmt.Sprintf("%s (%s)", s.Label, s.Addr)
}

// LookupIPv4 resolves A records for host.
func (s *DNSServer) LookupIPv4(ctx context.Context, host string) ([]string, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	ips, err := s.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

// DefaultResolvers returns the public resolvers tried in order: Google DNS,
// Cloudflare DNS and OpenDNS.
func DefaultResolvers() []Resolver {
	return []Resolver{
		NewDNSServer("Google DNS", "8.8.8.8", 5*time.Second),
		NewDNSServer("Cloudflare DNS", "1.1.1.1", 5*time.Second),
		NewDNSServer("OpenDNS", "208.67.222.222", 5*time.Second),
	}
}

// ParseResolvers builds resolvers from a comma-separated address list.
func ParseResolvers(list string, timeout time.Duration) []Resolver {
	var resolvers []Resolver
	for _, addr := range strings.Split(list, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		resolvers = append(resolvers, NewDNSServer("DNS", addr, timeout))
	}
	return resolvers
}

// Checker tries each resolver in order until one resolves the host.
type Checker struct {
	resolvers []Resolver
	logger    zerolog.Logger
}

// NewChecker creates a DNS preflight checker.
func NewChecker(resolvers []Resolver) *Checker {
	return &Checker{
		resolvers: resolvers,
		logger:    log.With().Str("component", "dns-preflight").Logger(),
	}
}

// SetLogger replaces the component logger.
func (c *Checker) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// Check returns nil as soon as one resolver resolves host. IP literals pass
// without a lookup. A host:port value is checked by its host part.
func (c *Checker) Check(ctx context.Context, host string) error {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if net.ParseIP(host) != nil {
		return nil
	}

	var errs []error
	for _, r := range c.resolvers {
		c.logger.Info().
			Str("host", host).
			Str("resolver", r.Name()).
			Msg("Attempting DNS resolution")

		addrs, err := r.LookupIPv4(ctx, host)
		if err == nil && len(addrs) > 0 {
			c.logger.Info().
				Str("host", host).
				Str("resolver", r.Name()).
				Strs("addresses", addrs).
				Msg("DNS resolved")
			return nil
		}
		if err == nil {
			err = errors.New("no addresses")
		}

		c.logger.Error().Err(err).
			Str("host", host).
			Str("resolver", r.Name()).
			Msg("DNS resolution failed")
		errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	c.logger.Error().Str("host", host).Msg("All DNS resolution attempts failed")
	if len(errs) == 0 {
		return fmt.Errorf("%w: %s: no resolvers configured", ErrDNSUnreachable, host)
	}
	return fmt.Errorf("%w: %s: %w", ErrDNSUnreachable, host, errors.Join(errs...))
}
