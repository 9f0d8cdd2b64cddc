// Package security keeps secrets and client addresses out of logs and API
// replies.
package security

import (
	"net"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// sensitiveParamPatterns are query parameter name fragments that likely
// carry secrets. Steam web API tokens ride in the query string of chat
// requests, so they are listed too.
var sensitiveParamPatterns = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"auth",
	"bearer",
	"credential",
	"key",
	"session",
	"sessionid",
	"steamlogin",
}

// RedactURL removes user credentials and secret-looking query parameters
// from rawURL for safe logging.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if parsed.User != nil {
		parsed.User = url.User("[REDACTED]")
	}

	if parsed.RawQuery != "" {
		query := parsed.Query()
		changed := false
		for key := range query {
			if isSensitiveParam(key) {
				query[key] = []string{"[REDACTED]"}
				changed = true
			}
		}
		if changed {
			parsed.RawQuery = query.Encode()
		}
	}

	return parsed.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	return lo.ContainsBy(sensitiveParamPatterns, func(p string) bool {
		return strings.Contains(lower, p)
	})
}

// RedactProxyURL hides the password of a proxy URL, keeping the user name.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}

	return parsed.String()
}

// MaskIP masks a client address for logs.
// IPv4 keeps the /24 network, IPv6 the /48.
func MaskIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "[redacted]"
	}

	if ip4 := ip.To4(); ip4 != nil {
		return ip4.Mask(net.CIDRMask(24, 32)).String() + "/24"
	}
	return ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
}
