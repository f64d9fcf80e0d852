// Package security guards every trust-boundary crossing: outbound network
// destinations, filesystem paths, and values embedded in generated documents.
// Any rejection here is terminal for the item in question.
package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/mail"
	"net/netip"
	"net/url"
	"strings"
	"syscall"

	"github.com/hpungsan/gather/internal/errors"
)

// MaxRedirects caps how many redirect hops an outbound request may follow.
// Every hop is re-validated against the URL policy.
const MaxRedirects = 10

// Resolver is the subset of net.Resolver the URL policy needs. Tests may
// substitute a fake to simulate hostile DNS answers.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// URLPolicy decides whether an outbound URL may be fetched. The zero value
// resolves with the default resolver, allows any public host, and rejects
// every private, loopback, link-local, or otherwise reserved destination.
type URLPolicy struct {
	// AllowedHosts, when non-empty, restricts outbound requests to exactly
	// these hostnames (case-insensitive).
	AllowedHosts []string

	// AllowPrivate permits loopback and private destinations. Only tests
	// and explicitly trusted local setups should set this.
	AllowPrivate bool

	// Resolver overrides DNS resolution. Nil means net.DefaultResolver.
	Resolver Resolver
}

func (p *URLPolicy) resolver() Resolver {
	if p.Resolver != nil {
		return p.Resolver
	}
	return net.DefaultResolver
}

// ValidateOutboundURL rejects URLs that could be used for server-side request
// forgery. The hostname is resolved and every resulting address is checked,
// not just the literal URL text: adversarial input can encode private
// addresses in decimal, octal, or IPv6-mapped forms, and a hostile DNS record
// can point a harmless-looking name at an internal service.
func (p *URLPolicy) ValidateOutboundURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.NewSecurityViolation(
			fmt.Sprintf("unparseable url: %v", err),
			map[string]any{"url": rawURL})
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.NewSecurityViolation(
			fmt.Sprintf("scheme %q is not allowed (http/https only)", u.Scheme),
			map[string]any{"url": rawURL})
	}

	host := u.Hostname()
	if host == "" {
		return errors.NewSecurityViolation("url has no host", map[string]any{"url": rawURL})
	}

	if len(p.AllowedHosts) > 0 && !p.hostAllowed(host) {
		return errors.NewSecurityViolation(
			fmt.Sprintf("host %q is not in the allow-list", host),
			map[string]any{"url": rawURL, "host": host})
	}

	if p.AllowPrivate {
		return nil
	}

	addrs, err := p.resolver().LookupIPAddr(ctx, host)
	if err != nil {
		return errors.NewSecurityViolation(
			fmt.Sprintf("cannot resolve host %q: %v", host, err),
			map[string]any{"url": rawURL, "host": host})
	}
	if len(addrs) == 0 {
		return errors.NewSecurityViolation(
			fmt.Sprintf("host %q resolves to no addresses", host),
			map[string]any{"url": rawURL, "host": host})
	}

	// Reject if ANY resolved address is disallowed: a mixed answer is how
	// DNS-rebinding setups smuggle a private address past a first lookup.
	for _, addr := range addrs {
		if reason := disallowedIP(addr.IP); reason != "" {
			return errors.NewSecurityViolation(
				fmt.Sprintf("host %q resolves to %s address %s", host, reason, addr.IP),
				map[string]any{"url": rawURL, "host": host, "ip": addr.IP.String()})
		}
	}

	return nil
}

// CheckRedirect is an http.Client CheckRedirect hook that re-validates every
// redirect hop. The initial URL being clean proves nothing about where the
// chain ends.
func (p *URLPolicy) CheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= MaxRedirects {
		return errors.NewSecurityViolation(
			fmt.Sprintf("redirect chain exceeded %d hops", MaxRedirects),
			map[string]any{"url": req.URL.String()})
	}
	return p.ValidateOutboundURL(req.Context(), req.URL.String())
}

// DialControl is a net.Dialer Control hook that re-checks the address
// actually being dialed. This closes the window between DNS validation and
// connect, where a rebinding resolver can swap the answer.
func (p *URLPolicy) DialControl(network, address string, _ syscall.RawConn) error {
	if p.AllowPrivate {
		return nil
	}
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return errors.NewSecurityViolation(
			fmt.Sprintf("unparseable dial address %q", address), nil)
	}
	ip := net.IP(addrPort.Addr().AsSlice())
	if reason := disallowedIP(ip); reason != "" {
		return errors.NewSecurityViolation(
			fmt.Sprintf("dial target %s is a %s address", ip, reason),
			map[string]any{"ip": ip.String()})
	}
	return nil
}

func (p *URLPolicy) hostAllowed(host string) bool {
	for _, allowed := range p.AllowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

// cgnat is 100.64.0.0/10, carrier-grade NAT space; net.IP.IsPrivate does not
// cover it.
var cgnat = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("100.64.0.0/10")
	return n
}()

// disallowedIP returns a non-empty reason when the address must never be an
// outbound target. IsPrivate covers RFC1918 and IPv6 ULA (fc00::/7);
// IPv4-mapped IPv6 forms are normalized by the net.IP predicates.
func disallowedIP(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsUnspecified():
		return "unspecified"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsMulticast():
		return "multicast"
	case ip.IsPrivate():
		return "private"
	case cgnat.Contains(ip):
		return "carrier-grade NAT"
	case ip.Equal(net.IPv4bcast):
		return "broadcast"
	}
	return ""
}

// ValidateEmailAddress performs full syntactic validation of an address used
// by forwarding actions. Embedded CR/LF are rejected outright: they are the
// raw material of header injection.
func ValidateEmailAddress(address string) error {
	if strings.ContainsAny(address, "\r\n") {
		return errors.NewSecurityViolation(
			"address contains line breaks (header injection attempt)",
			map[string]any{"address_len": len(address)})
	}
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return errors.NewSecurityViolation("address is empty", nil)
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return errors.NewSecurityViolation(
			fmt.Sprintf("invalid address: %v", err),
			map[string]any{"address": trimmed})
	}
	if !strings.Contains(parsed.Address, "@") {
		return errors.NewSecurityViolation("address has no domain part",
			map[string]any{"address": trimmed})
	}
	return nil
}
