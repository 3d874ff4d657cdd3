package quickstart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"quickstart/internal/cloud"
	"quickstart/internal/database"
	"quickstart/internal/oauth"
	"quickstart/internal/userdata"
)

const filter = "name eq ^quick-start.*"

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Instances(ctx context.Context, filter string, maxResults int64) ([]*cloud.Instance, error) {
	args := m.Called(filter, maxResults)
	instances, _ := args.Get(0).([]*cloud.Instance)
	return instances, args.Error(1)
}

func (m *mockProvider) BulkInsert(ctx context.Context, instances []*cloud.Instance) error {
	return m.Called(instances).Error(0)
}

func (m *mockProvider) BulkDelete(ctx context.Context, instances []*cloud.Instance) error {
	return m.Called(instances).Error(0)
}

type fixture struct {
	router   http.Handler
	auth     *oauth.Decorator
	store    *userdata.Store
	provider *mockProvider
	projects []string
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()

	db := database.NewMemory()
	f := &fixture{
		auth: oauth.New(oauth.Config{
			ClientID:    "client",
			RedirectURL: "http://localhost:8080/oauth2callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.example.com/auth",
				TokenURL: "https://accounts.example.com/token",
			},
			SessionKey: []byte("test-session-key"),
		}, db, nil),
		store:    userdata.NewStore(db),
		provider: &mockProvider{},
	}

	cfg := DefaultConfig()
	cfg.StrictWriteAuth = strict

	data := userdata.NewDataHandler(DemoName, []userdata.Parameter{userdata.Defaults[userdata.ProjectID]}, f.store)
	factory := func(ctx context.Context, ts oauth2.TokenSource, project string) (cloud.Provider, error) {
		require.NotNil(t, ts)
		f.projects = append(f.projects, project)
		return f.provider, nil
	}

	h := NewHandler(cfg, f.auth, data, factory, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	f.router = r

	return f
}

// user stores credentials and settings for user-1.
func (f *fixture) user(t *testing.T, token *oauth2.Token, configured bool) {
	t.Helper()

	if token != nil {
		require.NoError(t, f.auth.StoreCredentials("user-1", token))
	}

	if configured {
		require.NoError(t, f.store.Set("user-1", DemoName, map[string]string{userdata.ProjectID: "demo-project"}))
	}
}

func (f *fixture) do(t *testing.T, method, target string, form url.Values, signedIn bool) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	if signedIn {
		cookie, err := f.auth.SessionCookie("user-1")
		require.NoError(t, err)
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "access", RefreshToken: "refresh"}
}

func TestGate_RedirectsToSetupWithoutConfig(t *testing.T) {
	for _, strict := range []bool{true, false} {
		f := newFixture(t, strict)
		f.user(t, validToken(), false)

		for _, tc := range []struct {
			method string
			path   string
		}{
			{http.MethodGet, "/quick-start"},
			{http.MethodGet, "/quick-start/instance"},
			{http.MethodPost, "/quick-start/instance"},
			{http.MethodPost, "/quick-start/cleanup"},
		} {
			w := f.do(t, tc.method, tc.path, nil, true)

			assert.Equal(t, http.StatusFound, w.Code, tc.path)
			assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "/quick-start/data?redirect="), tc.path)
		}

		assert.Empty(t, f.projects)
		f.provider.AssertExpectations(t)
	}
}

func TestGate_RedirectsToAuthorizationWithoutPrincipal(t *testing.T) {
	f := newFixture(t, true)

	for _, path := range []string{"/quick-start", "/quick-start/instance"} {
		w := f.do(t, http.MethodGet, path, nil, false)

		assert.Equal(t, http.StatusFound, w.Code)
		assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "https://accounts.example.com/auth"))
	}

	w := f.do(t, http.MethodPost, "/quick-start/cleanup", nil, false)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Empty(t, f.projects)
}

func TestPage_ForcesConsentWithoutRefreshToken(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, &oauth2.Token{AccessToken: "access"}, true)

	w := f.do(t, http.MethodGet, "/quick-start", nil, true)

	require.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.example.com", location.Host)
	assert.Equal(t, "force", location.Query().Get("approval_prompt"))
}

func TestPage_Renders(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)

	w := f.do(t, http.MethodGet, "/quick-start", nil, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "quick-start")
}

func TestPage_ScriptDoesNotShadowWindowStatus(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)

	w := f.do(t, http.MethodGet, "/quick-start", nil, true)
	body := w.Body.String()

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, body, "var status ")
	assert.Contains(t, body, "(function () {")
	assert.Contains(t, body, "statusEl.textContent")
}

func TestListInstances(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("Instances", filter, int64(100)).Return([]*cloud.Instance{
		{Name: "quick-start-0", Status: "RUNNING"},
		{Name: "quick-start-1", Status: "PROVISIONING"},
	}, nil)

	w := f.do(t, http.MethodGet, "/quick-start/instance", nil, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]map[string]string{
		"quick-start-0": {"status": "RUNNING"},
		"quick-start-1": {"status": "PROVISIONING"},
	}, body)
	assert.Equal(t, []string{"demo-project"}, f.projects)
	f.provider.AssertExpectations(t)
}

func TestListInstances_ProviderError(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("Instances", filter, int64(100)).Return(nil, errors.New("quota exceeded"))

	w := f.do(t, http.MethodGet, "/quick-start/instance", nil, true)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Error getting instances: quota exceeded", body.Error)
}

func TestListInstances_TokenError(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("Instances", filter, int64(100)).Return(nil, &cloud.TokenError{Err: errors.New("invalid_grant")})

	w := f.do(t, http.MethodGet, "/quick-start/instance", nil, true)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Empty(t, w.Body.String())
}

func TestStartInstances(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("BulkInsert", []*cloud.Instance{
		{Name: "quick-start-0"},
		{Name: "quick-start-1"},
		{Name: "quick-start-2"},
	}).Return(nil).Once()

	w := f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {"3"}}, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, "starting cluster", w.Body.String())
	f.provider.AssertExpectations(t)
	f.provider.AssertNumberOfCalls(t, "BulkInsert", 1)
}

func TestStartInstances_Zero(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("BulkInsert", []*cloud.Instance{}).Return(nil).Once()

	w := f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {"0"}}, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "starting cluster", w.Body.String())
	f.provider.AssertExpectations(t)
}

func TestStartInstances_InvalidCount(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)

	for _, value := range []string{"", "three", "-1", "1.5", "101", "9223372036854775807", "99999999999999999999"} {
		w := f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {value}}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code, value)
	}

	assert.Empty(t, f.projects)
	f.provider.AssertNotCalled(t, "BulkInsert", mock.Anything)
}

func TestStartInstances_Errors(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("BulkInsert", mock.Anything).Return(errors.New("invalid machine type")).Once()
	f.provider.On("BulkInsert", mock.Anything).Return(&cloud.TokenError{Err: errors.New("expired")}).Once()

	w := f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {"1"}}, true)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Error inserting instances: invalid machine type")

	w = f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {"1"}}, true)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	instances := []*cloud.Instance{
		{Name: "quick-start-0", Status: "RUNNING"},
		{Name: "quick-start-1", Status: "RUNNING"},
	}
	f.provider.On("Instances", filter, int64(100)).Return(instances, nil).Once()
	f.provider.On("BulkDelete", instances).Return(nil).Once()

	w := f.do(t, http.MethodPost, "/quick-start/cleanup", nil, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, "stopping cluster", w.Body.String())
	f.provider.AssertExpectations(t)
}

func TestCleanup_TokenErrorOnList(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("Instances", filter, int64(100)).Return(nil, &cloud.TokenError{Err: errors.New("expired")}).Once()

	w := f.do(t, http.MethodPost, "/quick-start/cleanup", nil, true)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Body.String())
	f.provider.AssertNotCalled(t, "BulkDelete", mock.Anything)
}

func TestCleanup_DeleteError(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("Instances", filter, int64(100)).Return([]*cloud.Instance{{Name: "quick-start-0"}}, nil).Once()
	f.provider.On("BulkDelete", mock.Anything).Return(errors.New("instance not found")).Once()

	w := f.do(t, http.MethodPost, "/quick-start/cleanup", nil, true)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Error deleting instances: instance not found")
}

func TestRelaxedWriteAuth(t *testing.T) {
	t.Run("settings without credentials", func(t *testing.T) {
		f := newFixture(t, false)
		f.user(t, nil, true)

		w := f.do(t, http.MethodPost, "/quick-start/cleanup", nil, true)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = f.do(t, http.MethodGet, "/quick-start/instance", nil, true)
		assert.Equal(t, http.StatusFound, w.Code)
		assert.True(t, strings.HasPrefix(w.Header().Get("Location"), "https://accounts.example.com/auth"))

		assert.Empty(t, f.projects)
	})

	t.Run("no principal", func(t *testing.T) {
		f := newFixture(t, false)

		w := f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {"1"}}, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("settings and credentials", func(t *testing.T) {
		f := newFixture(t, false)
		f.user(t, validToken(), true)
		f.provider.On("BulkInsert", []*cloud.Instance{{Name: "quick-start-0"}}).Return(nil).Once()

		w := f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {"1"}}, true)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, []string{"demo-project"}, f.projects)
	})
}

func TestFilter(t *testing.T) {
	h := &Handler{cfg: DefaultConfig()}
	assert.Equal(t, filter, h.Filter())
}

func TestStartInstances_MaxCount(t *testing.T) {
	f := newFixture(t, true)
	f.user(t, validToken(), true)
	f.provider.On("BulkInsert", mock.MatchedBy(func(instances []*cloud.Instance) bool {
		return len(instances) == MaxResults && instances[MaxResults-1].Name == "quick-start-99"
	})).Return(nil).Once()

	w := f.do(t, http.MethodPost, "/quick-start/instance", url.Values{"num_instances": {"100"}}, true)

	assert.Equal(t, http.StatusOK, w.Code)
	f.provider.AssertExpectations(t)
}

func TestParseCount(t *testing.T) {
	count, err := parseCount("5", MaxResults)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	count, err = parseCount("100", MaxResults)
	require.NoError(t, err)
	assert.Equal(t, 100, count)

	_, err = parseCount("-2", MaxResults)
	assert.Error(t, err)

	_, err = parseCount("101", MaxResults)
	assert.Error(t, err)

	_, err = parseCount("9223372036854775807", MaxResults)
	assert.Error(t, err)
}
