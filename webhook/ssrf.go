package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/relaychat/automation"
)

// CheckTargetURL enforces the outbound SSRF policy: https/http only,
// and the resolved address must not be loopback, private, link-local,
// or a cloud metadata endpoint. Resolution happens here AND again at
// dial time (see DialControl), so a DNS answer that changes between
// check and connect cannot smuggle a delivery inside.
func CheckTargetURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable url", automation.ErrSSRFBlocked)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", automation.ErrSSRFBlocked, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", automation.ErrSSRFBlocked)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}
	for _, addr := range addrs {
		if err := checkIP(addr.IP); err != nil {
			return fmt.Errorf("%w: %s resolves to %s", err, host, addr.IP)
		}
	}
	return nil
}

// DialControl is a net.Dialer Control hook re-applying the IP policy on
// the address actually being connected to
func DialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: malformed dial address %q", automation.ErrSSRFBlocked, address)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: non-literal dial address %q", automation.ErrSSRFBlocked, address)
	}
	if err := checkIP(ip); err != nil {
		return fmt.Errorf("%w: dial to %s", err, ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", automation.ErrSSRFBlocked)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private address", automation.ErrSSRFBlocked)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		// Covers 169.254.169.254, the usual cloud metadata endpoint
		return fmt.Errorf("%w: link-local address", automation.ErrSSRFBlocked)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", automation.ErrSSRFBlocked)
	}
	return nil
}
