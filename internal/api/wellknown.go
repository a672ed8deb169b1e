package api

import (
	"net/http"
	"strings"

	"github.com/authgate-io/authgate/internal/auth"
)

// jwksCacheControl lets resource servers cache the signing keys briefly but
// survive an outage of this service for a day.
const jwksCacheControl = "public, max-age=15, stale-while-revalidate=15, stale-if-error=86400"

// WellKnownHandler serves the OIDC discovery documents that resource servers
// use to validate access tokens issued here.
type WellKnownHandler struct {
	svc *auth.Service
}

// NewWellKnownHandler creates a new WellKnownHandler.
func NewWellKnownHandler(svc *auth.Service) *WellKnownHandler {
	return &WellKnownHandler{svc: svc}
}

// openidConfiguration is the subset of the discovery document needed by
// token validators.
type openidConfiguration struct {
	Issuer                           string   `json:"issuer"`
	JWKSURI                          string   `json:"jwks_uri"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	DeviceAuthorizationEndpoint      string   `json:"device_authorization_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// OpenIDConfiguration handles GET /.well-known/openid-configuration.
func (h *WellKnownHandler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimSuffix(h.svc.JWT().Issuer(), "/")

	w.Header().Set("Cache-Control", jwksCacheControl)
	JSON(w, http.StatusOK, openidConfiguration{
		Issuer:                           base,
		JWKSURI:                          base + "/.well-known/jwks.json",
		AuthorizationEndpoint:            base + "/api/auth/signin",
		DeviceAuthorizationEndpoint:      base + "/api/auth/device/code",
		ResponseTypesSupported:           []string{"id_token"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
	})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *WellKnownHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", jwksCacheControl)
	JSON(w, http.StatusOK, h.svc.JWT().JWKS())
}
