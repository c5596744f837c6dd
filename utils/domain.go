package utils

import (
	"net"
	"net/url"
	"strings"
)

// Hostname extracts the bare host from a raw URL or host string.
// "https://dev.example.com:3000/cb" => "dev.example.com".
func Hostname(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IsLocal reports whether the host names the local machine. Plain-HTTP
// redirect targets are only acceptable for these during development.
func IsLocal(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// IsHTTPS reports whether the raw URL carries an https scheme.
func IsHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "https")
}
