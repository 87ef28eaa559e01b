package balancer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParseAddress normalizes a backend address. A bare port expands to
// http://localhost:<port>; anything else must be an absolute http(s) URL.
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty backend address")
	}
	if port, err := strconv.Atoi(s); err == nil {
		if port <= 0 || port > 65535 {
			return "", fmt.Errorf("backend port %d out of range", port)
		}
		return "http://localhost:" + s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse backend %q: %w", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("backend %q must be a port or an http(s) URL", s)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ParseAddresses splits a comma separated list and normalizes every entry.
// Duplicates are dropped, keeping first-seen order.
func ParseAddresses(list string) ([]string, error) {
	return normalize(strings.Split(list, ","))
}

func normalize(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out, nil
}
