package server

import (
	"strings"
)

// ClientRegistry holds the realms and clients a login may be pointed at.
// An empty list allows any value.
type ClientRegistry struct {
	realms  map[string]struct{}
	clients map[string]struct{}
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfg AuthConfig) *ClientRegistry {
	return &ClientRegistry{
		realms:  toSet(cfg.AllowedRealms),
		clients: toSet(cfg.AllowedClients),
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// RealmAllowed reports whether realm may be used for a login.
func (cr *ClientRegistry) RealmAllowed(realm string) bool {
	if cr.realms == nil {
		return true
	}
	_, ok := cr.realms[realm]
	return ok
}

// ClientAllowed reports whether clientID may be used for a login.
func (cr *ClientRegistry) ClientAllowed(clientID string) bool {
	if cr.clients == nil {
		return true
	}
	_, ok := cr.clients[clientID]
	return ok
}

// isSafeRedirectURI validates that a redirect URI is safe to use
// Prevents open redirect vulnerabilities by blocking dangerous schemes and malformed URIs
func isSafeRedirectURI(uri string) bool {
	if uri == "" {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Block protocol-relative URLs that could redirect anywhere
	if strings.HasPrefix(uri, "//") {
		return false
	}

	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return false
	}
	if scheme != "http" && scheme != "https" {
		return false
	}

	// Blocks user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// Format: http://evil.com#http://trusted.com/callback
	host := rest
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		host = rest[:slashIdx]
	}
	if host == "" || strings.Contains(host, "#") {
		return false
	}

	return true
}
