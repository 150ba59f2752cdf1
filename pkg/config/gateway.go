package config

import (
	"fmt"
	"net"
	"strconv"
)

func (g GatewayConfig) ResolvedAddr() (string, error) {
	host := g.Host
	switch host {
	case "", "local":
		host = "127.0.0.1"
	case "all":
		host = "0.0.0.0"
	default:
		if net.ParseIP(host) == nil && host != "localhost" {
			return "", fmt.Errorf("invalid gateway host: %s", host)
		}
	}
	if g.Port <= 0 || g.Port > 65535 {
		return "", fmt.Errorf("invalid gateway port: %d", g.Port)
	}
	return net.JoinHostPort(host, strconv.Itoa(g.Port)), nil
}

// OriginAllowed reports whether a browser origin may call the gateway.
func (g GatewayConfig) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range g.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
