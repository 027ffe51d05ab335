package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Rorqualx/grubcrawl/internal/types"
)

// Crawl target rejections. All of them match types.ErrInvalidURL.
var (
	ErrBlockedScheme = errors.New("URL scheme not allowed")
	ErrMissingHost   = errors.New("URL has no host")
	ErrPrivateTarget = errors.New("private, loopback or metadata address not allowed")
)

// metadataHosts serve cloud instance credentials.
var metadataHosts = map[string]bool{
	"169.254.169.254":          true,
	"169.254.170.2":            true,
	"100.100.100.200":          true,
	"fd00:ec2::254":            true,
	"metadata":                 true,
	"metadata.google.internal": true,
}

// ValidateCrawlURL checks that rawURL is an absolute http(s) URL. Unless
// allowPrivate is set, loopback, private, link-local and metadata targets
// given as literal hosts are refused as well.
func ValidateCrawlURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %w %q", types.ErrInvalidURL, ErrBlockedScheme, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: %w", types.ErrInvalidURL, ErrMissingHost)
	}
	if allowPrivate {
		return nil
	}
	if metadataHosts[host] || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %w: %s", types.ErrInvalidURL, ErrPrivateTarget, host)
	}
	if ip := net.ParseIP(host); ip != nil && !publicIP(ip) {
		return fmt.Errorf("%w: %w: %s", types.ErrInvalidURL, ErrPrivateTarget, host)
	}
	return nil
}

func publicIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsInterfaceLocalMulticast())
}
