package rist

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/rist-go/rist/pkg/peer"
)

// ParsePeerURL parses a rist:// or rist6:// peer URL into a
// peer.Config ready for Context.PeerCreate, per spec.md §4.9's
// peer_config and the query-parameter set documented in
// original_source/tools/ristsender.c. No library in the retrieval
// pack decodes RIST's specific parameter set, so the scheme/host/port
// split uses the standard net/url and the params are decoded by hand.
func ParsePeerURL(raw string) (peer.Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return peer.Config{}, fmt.Errorf("rist: parse peer url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "rist", "rist6":
	default:
		return peer.Config{}, fmt.Errorf("rist: unsupported peer url scheme %q (want rist:// or rist6://)", u.Scheme)
	}

	network := "udp4"
	if u.Scheme == "rist6" {
		network = "udp6"
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		return peer.Config{}, fmt.Errorf("rist: peer url %q is missing a port", raw)
	}
	ipAddr, err := net.ResolveUDPAddr(network, net.JoinHostPort(host, port))
	if err != nil {
		return peer.Config{}, fmt.Errorf("rist: resolve peer address %q: %w", raw, err)
	}

	cfg := peer.Config{Address: ipAddr}
	q := u.Query()

	if v := q.Get("weight"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return peer.Config{}, fmt.Errorf("rist: peer url %q: bad weight %q: %w", raw, v, err)
		}
		cfg.Weight = n
	}
	if v := q.Get("secret"); v != "" {
		cfg.Secret = v
	}

	return cfg, nil
}
