package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/pkg/log"
)

// normalizeOrigins turns the allowed-origins setting (the config file key or
// ALLOWED_ORIGINS, already split on commas by LoadConfig) into the
// scheme://host entries that checkOrigin compares against. A "*" entry allows
// every origin. Invalid entries are logged and skipped.
func normalizeOrigins(origins []string) ([]string, bool) {
	allowAll := false
	normalized := lo.FilterMap(origins, func(origin string, _ int) (string, bool) {
		trimmed := strings.TrimSpace(origin)
		switch trimmed {
		case "":
			return "", false
		case "*":
			allowAll = true
			return "", false
		}

		n, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
		}
		return n, ok
	})
	if len(normalized) == 0 {
		return nil, allowAll
	}
	return lo.Uniq(normalized), allowAll
}

// normalizeOrigin lower-cases the scheme and host of origin and drops any
// path, so "HTTP://Example.com/" and "http://example.com" compare equal.
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// isOriginAllowed reports whether the request's Origin header matches the
// active configuration. Requests without an Origin header are refused.
func isOriginAllowed(r *http.Request) bool {
	origin, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}
	_, exists := allowedOrigins[origin]
	return exists
}

// checkOrigin is the upgrader's CheckOrigin hook.
func checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}

	log.Warn("blocked websocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")), log.FieldAddr(r.RemoteAddr))
	return false
}
