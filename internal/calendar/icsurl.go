package calendar

import (
	"net"
	"net/url"
	"strings"

	"github.com/openchime/openchime/internal/errs"
)

// ValidateICSURL checks a feed URL before an ICS account is created.
// Requirements: https scheme, a non-empty host, and no localhost or private
// IPv4 target. Failures carry a user-visible config_invalid message.
func ValidateICSURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errs.New(errs.ConfigInvalid, "the calendar URL cannot be empty")
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errs.Wrap(errs.ConfigInvalid, "the calendar URL is not a valid URL", err)
	}

	if u.Scheme != "https" {
		return errs.New(errs.ConfigInvalid, "the calendar URL must use https")
	}

	host := u.Hostname()
	if host == "" {
		return errs.New(errs.ConfigInvalid, "the calendar URL has no host")
	}

	if strings.EqualFold(host, "localhost") {
		return errs.New(errs.ConfigInvalid, "the calendar URL cannot point at this machine")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIPv4(ip) {
			return errs.New(errs.ConfigInvalid, "the calendar URL cannot point at a private network address")
		}
	}

	return nil
}

// isPrivateIPv4 covers 127/8, 10/8, 172.16/12, and 192.168/16.
func isPrivateIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 127:
		return true
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}
