package gateway

import (
	"net/http"
	"strings"

	"github.com/clasp-gateway/clasp/internal/config"
	"github.com/clasp-gateway/clasp/internal/expr"
	"github.com/clasp-gateway/clasp/internal/gatewayerr"
)

// effectiveAuth resolves the policy a route actually enforces: a route's own
// auth block overrides the global one entirely (no merge).
func effectiveAuth(r *route) *config.AuthSettings {
	if r.auth != nil {
		return r.auth
	}
	return r.globalAuth
}

// authenticate validates r's Authorization header against policy's token
// list, resolving "{{env.X}}" templated tokens against env first. A nil or
// disabled policy always passes.
func (gw *Gateway) authenticate(r *http.Request, policy *config.AuthSettings) error {
	if policy == nil || !policy.Enabled {
		return nil
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return gatewayerr.New(gatewayerr.Unauthorized, 401, "Missing or malformed Authorization header")
	}
	supplied := strings.TrimPrefix(header, prefix)

	for _, tok := range policy.Tokens {
		resolved := tok
		if strings.Contains(tok, "{{") {
			resolved = stringifyDynamic(expr.ProcessDynamicValue(tok, expr.Context{Env: gw.env}))
		}
		if resolved != "" && resolved == supplied {
			return nil
		}
	}
	return gatewayerr.New(gatewayerr.Unauthorized, 401, "Invalid bearer token")
}

func stringifyDynamic(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
