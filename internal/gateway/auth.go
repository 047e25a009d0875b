package gateway

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth mechanisms, used both as config mode values and metric labels.
const (
	authJWT       = "jwt"
	authModeIP    = "ip_allowlist"
	authModeBasic = "basic_auth"
)

var (
	errMissingBearer = errors.New("gateway: missing bearer token")
	errNoTenantClaim = errors.New("gateway: token carries no tenant claim")
	errIPNotAllowed  = errors.New("gateway: source address not in allowlist")
	errBadBasicAuth  = errors.New("gateway: basic auth rejected")
)

// authenticateStream validates the protocol A bearer token and returns the
// tenant id carried in its claims.
func (s *Server) authenticateStream(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errMissingBearer
	}
	raw := strings.TrimPrefix(header, prefix)

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("gateway: token rejected: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errNoTenantClaim
	}
	tenant, _ := claims["tenantId"].(string)
	if tenant == "" {
		return "", errNoTenantClaim
	}
	return tenant, nil
}

// authorizeExotel applies the configured telephony-edge auth mode: source IP
// allowlisting (the usual Exotel arrangement) or HTTP basic auth.
func (s *Server) authorizeExotel(r *http.Request) error {
	switch s.cfg.ExotelAuthMode {
	case authModeBasic:
		user, pass, ok := r.BasicAuth()
		if !ok {
			return errBadBasicAuth
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.ExotelBasicUser)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.ExotelBasicPass)) == 1
		if !userOK || !passOK {
			return errBadBasicAuth
		}
		return nil
	default:
		return s.checkAllowlist(remoteIP(r))
	}
}

func (s *Server) checkAllowlist(ip net.IP) error {
	if ip == nil {
		return errIPNotAllowed
	}
	for _, entry := range s.cfg.ExotelAllowlist {
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if cidr.Contains(ip) {
				return nil
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return nil
		}
	}
	return errIPNotAllowed
}

// remoteIP extracts the peer address, preferring the first X-Forwarded-For
// hop when a load balancer sits in front.
func remoteIP(r *http.Request) net.IP {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
