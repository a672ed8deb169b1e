package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authgate-io/authgate/internal/auth"
	"github.com/authgate-io/authgate/internal/db"
	"github.com/authgate-io/authgate/internal/repository"
)

const testSiteURL = "https://auth.example.com"

var (
	apiJWT     *auth.JWTManager
	apiJWTOnce sync.Once
)

func testJWT(t *testing.T) *auth.JWTManager {
	t.Helper()
	apiJWTOnce.Do(func() {
		var err error
		apiJWT, err = auth.NewJWTManagerGenerated(testSiteURL, time.Hour)
		if err != nil {
			panic(err)
		}
	})
	return apiJWT
}

// testAPI wires the full router over an in-memory database. Fixtures are
// planted through the service; assertions go through HTTP.
type testAPI struct {
	router http.Handler
	svc    *auth.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	cfg := &auth.Config{
		SiteURL: testSiteURL,
		Providers: []auth.Provider{
			{ID: "credentials", Type: auth.ProviderTypeCredentials},
		},
		APIKeys: auth.APIKeyConfig{
			Prefix: "ag_",
			Scopes: []auth.Scope{{Resource: "*", Actions: []string{"*"}}},
		},
	}
	svc, err := auth.NewService(cfg, repository.NewStoreWithDB(database), testJWT(t), zap.NewNop())
	require.NoError(t, err)

	return &testAPI{
		router: NewRouter(RouterConfig{Service: svc, DB: database, Logger: zap.NewNop()}),
		svc:    svc,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// signUp plants a credentials user through the service and returns its first
// token pair.
func (a *testAPI) signUp(t *testing.T, email, secret string) *auth.Tokens {
	t.Helper()
	out, err := a.svc.SignIn(context.Background(), auth.SignInArgs{
		Provider: "credentials",
		Params:   map[string]string{"email": email, "secret": secret, "flow": "signUp"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Tokens)
	return out.Tokens
}

func (a *testAPI) subjectOf(t *testing.T, tokens *auth.Tokens) (uuid.UUID, uuid.UUID) {
	t.Helper()
	claims, err := a.svc.ValidateAccessToken(tokens.Token)
	require.NoError(t, err)
	userID, sessionID, err := claims.Subject()
	require.NoError(t, err)
	return userID, sessionID
}

// body is the response envelope: exactly one of Data and Error is set.
type body struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) body {
	t.Helper()
	var b body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	return b
}

// decodeData unmarshals the "data" member into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	b := decodeBody(t, rec)
	require.Nil(t, b.Error, "expected success, got error %+v", b.Error)
	require.NoError(t, json.Unmarshal(b.Data, dst))
}

// errCodeOf returns the stable code from an error response.
func errCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	b := decodeBody(t, rec)
	require.NotNil(t, b.Error, "expected an error response, got %s", rec.Body.String())
	return b.Error.Code
}
