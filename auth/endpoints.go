package auth

import (
	"net/url"
	"strings"
)

// EndpointKind names one of the realm-scoped OpenID Connect endpoints.
type EndpointKind string

const (
	EndpointAuthorize EndpointKind = "authorize"
	EndpointToken     EndpointKind = "token"
	EndpointUserInfo  EndpointKind = "userinfo"
	EndpointLogout    EndpointKind = "logout"
	EndpointCerts     EndpointKind = "certs"
)

// pathSegment maps a kind to the path segment Keycloak serves it under.
// The authorization endpoint lives at ".../openid-connect/auth".
func (k EndpointKind) pathSegment() string {
	if k == EndpointAuthorize {
		return "auth"
	}
	return string(k)
}

// Endpoint builds {baseURI}/realms/{realm}/protocol/openid-connect/{kind}.
func Endpoint(baseURI, realm string, kind EndpointKind) string {
	return Issuer(baseURI, realm) + "/protocol/openid-connect/" + kind.pathSegment()
}

// Issuer returns the issuer identifier the provider uses for a realm.
func Issuer(baseURI, realm string) string {
	return strings.TrimSuffix(baseURI, "/") + "/realms/" + url.PathEscape(realm)
}
