package preflight

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Resolver is the DNS lookup surface the checker needs. *net.Resolver
// satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Listing is one blacklist hit.
type Listing struct {
	Identity string // the IP or domain that is listed
	Zone     string
	Reason   string
}

// Checker surveys RBL zones for IPs and DBL zones for sender domains.
// An NXDOMAIN answer means not listed; an answer in 127.0.0.0/8 means
// listed, as is conventional for DNS blacklists.
type Checker struct {
	Resolver Resolver
	RBLZones []string
	DBLZones []string
	Timeout  time.Duration
}

func (c *Checker) resolver() Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return &net.Resolver{PreferGo: true}
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

// CheckIP queries every RBL zone for one IPv4 address.
func (c *Checker) CheckIP(ctx context.Context, ip string) ([]Listing, error) {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid IPv4 address: %s", ip)
	}
	reversed := fmt.Sprintf("%s.%s.%s.%s", parts[3], parts[2], parts[1], parts[0])

	var listings []Listing
	for _, zone := range c.RBLZones {
		if hit, reason := c.lookup(ctx, reversed+"."+zone); hit {
			listings = append(listings, Listing{Identity: ip, Zone: zone, Reason: reason})
		}
	}
	return listings, nil
}

// CheckDomain queries every DBL zone for a sender domain.
func (c *Checker) CheckDomain(ctx context.Context, domain string) []Listing {
	var listings []Listing
	for _, zone := range c.DBLZones {
		if hit, reason := c.lookup(ctx, domain+"."+zone); hit {
			listings = append(listings, Listing{Identity: domain, Zone: zone, Reason: reason})
		}
	}
	return listings
}

func (c *Checker) lookup(ctx context.Context, query string) (bool, string) {
	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	addrs, err := c.resolver().LookupHost(lookupCtx, query)
	if err != nil {
		// NXDOMAIN is the normal not-listed answer; other errors are
		// treated the same rather than failing the chunk.
		return false, ""
	}
	for _, addr := range addrs {
		if strings.HasPrefix(addr, "127.") {
			return true, strings.Join(addrs, "; ")
		}
	}
	return false, ""
}

// Survey is the combined blacklist picture for one chunk attempt.
type Survey struct {
	IPListings     []Listing
	DomainListings []Listing
}

// Survey resolves the SMTP host's IPv4 addresses, checks each against the
// RBL zones, and checks the sender domain against the DBL zones.
func (c *Checker) Survey(ctx context.Context, smtpHost, senderDomain string) Survey {
	var s Survey
	ips := c.resolveIPv4(ctx, smtpHost)
	for _, ip := range ips {
		if listings, err := c.CheckIP(ctx, ip); err == nil {
			s.IPListings = append(s.IPListings, listings...)
		}
	}
	if senderDomain != "" {
		s.DomainListings = c.CheckDomain(ctx, senderDomain)
	}
	return s
}

func (c *Checker) resolveIPv4(ctx context.Context, host string) []string {
	if net.ParseIP(host) != nil {
		if strings.Contains(host, ".") {
			return []string{host}
		}
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()
	addrs, err := c.resolver().LookupHost(lookupCtx, host)
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			out = append(out, ip.To4().String())
		}
	}
	return out
}
