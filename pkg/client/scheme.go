package client

import (
	"net"
	"strings"
)

// HTTPScheme returns "http" for loopback and private-network hosts and
// "https" otherwise.
func HTTPScheme(host string) string {
	if insecureHost(host) {
		return "http"
	}
	return "https"
}

// WSScheme returns "ws" for loopback and private-network hosts and "wss"
// otherwise.
func WSScheme(host string) string {
	if insecureHost(host) {
		return "ws"
	}
	return "wss"
}

func insecureHost(host string) bool {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1", "0.0.0.0":
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate()
	}
	return false
}
