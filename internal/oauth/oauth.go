// Package oauth authenticates users against Google with the authorization
// code flow. Credentials are stored per user; the principal is carried
// between requests in a signed session cookie.
package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/compute/v1"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"quickstart/internal/database"
	"quickstart/internal/session"
)

const stateExpiration = 10 * time.Minute

// ForceApproval asks the user to consent again so Google issues a new
// refresh token.
var ForceApproval = oauth2.SetAuthURLParam("approval_prompt", "force")

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	SessionKey   []byte
	SessionTTL   time.Duration
}

// Identify resolves the user id owning the credentials behind ts.
type Identify func(ctx context.Context, ts oauth2.TokenSource) (string, error)

type Decorator struct {
	conf     *oauth2.Config
	db       database.Database
	key      []byte
	ttl      time.Duration
	secure   bool
	identify Identify
}

func New(cfg Config, db database.Database, identify Identify) *Decorator {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{compute.ComputeScope, oauth2api.OpenIDScope, oauth2api.UserinfoEmailScope}
	}

	if cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = google.Endpoint
	}

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}

	if identify == nil {
		identify = GoogleUserID
	}

	secure := false
	if u, err := url.Parse(cfg.RedirectURL); err == nil {
		secure = u.Scheme == "https"
	}

	return &Decorator{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		db:       db,
		key:      cfg.SessionKey,
		ttl:      cfg.SessionTTL,
		secure:   secure,
		identify: identify,
	}
}

// GoogleUserID asks the userinfo API for the account id.
func GoogleUserID(ctx context.Context, ts oauth2.TokenSource) (string, error) {
	service, err := oauth2api.NewService(ctx, option.WithTokenSource(ts))

	if err != nil {
		return "", errors.Wrap(err, "userinfo service")
	}

	info, err := service.Userinfo.Get().Context(ctx).Do()

	if err != nil {
		return "", errors.Wrap(err, "userinfo get")
	}

	return info.Id, nil
}

// CallbackPath is the path of the configured redirect URL.
func (d *Decorator) CallbackPath() string {
	u, err := url.Parse(d.conf.RedirectURL)

	if err != nil || u.Path == "" {
		return "/oauth2callback"
	}

	return u.Path
}

// AuthorizeURL builds the consent page URL. Offline access is always
// requested so a refresh token is issued.
func (d *Decorator) AuthorizeURL(state string, opts ...oauth2.AuthCodeOption) string {
	opts = append([]oauth2.AuthCodeOption{oauth2.AccessTypeOffline}, opts...)
	return d.conf.AuthCodeURL(state, opts...)
}

// AuthorizeRedirect sends the user to the consent page and back to the
// current request URI afterwards.
func (d *Decorator) AuthorizeRedirect(w http.ResponseWriter, r *http.Request, opts ...oauth2.AuthCodeOption) {
	state := uuid.New().String()

	if err := d.db.Set(stateKey(state), r.URL.RequestURI(), stateExpiration); err != nil {
		log.WithError(err).Error("unable to store oauth state")
		http.Error(w, "unable to start authorization", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, d.AuthorizeURL(state, opts...), http.StatusFound)
}

// OAuthRequired lets the request through only for a principal with stored
// credentials, otherwise it redirects to the consent page.
func (d *Decorator) OAuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := d.principal(r)

		if ok {
			token, err := d.Credentials(userID)

			if err == nil {
				ctx := session.NewContext(r.Context(), &session.Session{UserID: userID, Token: token})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if err != database.ErrNotFound {
				log.WithError(err).WithField("user", userID).Error("unable to load credentials")
			}
		}

		d.AuthorizeRedirect(w, r)
	})
}

// PrincipalRequired only needs to know who the user is. Credentials are
// attached if present, the session token is nil otherwise.
func (d *Decorator) PrincipalRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := d.principal(r)

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		token, err := d.Credentials(userID)

		if err != nil && err != database.ErrNotFound {
			log.WithError(err).WithField("user", userID).Error("unable to load credentials")
		}

		ctx := session.NewContext(r.Context(), &session.Session{UserID: userID, Token: token})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Callback ends the authorization code flow.
func (d *Decorator) Callback(w http.ResponseWriter, r *http.Request) {
	if reason := r.FormValue("error"); reason != "" {
		http.Error(w, "authorization denied: "+reason, http.StatusUnauthorized)
		return
	}

	state := r.FormValue("state")
	target, err := d.db.Get(stateKey(state))

	if err != nil {
		http.Error(w, "invalid oauth state", http.StatusBadRequest)
		return
	}

	if err = d.db.Delete(stateKey(state)); err != nil {
		log.WithError(err).Warn("unable to delete oauth state")
	}

	ctx := r.Context()
	token, err := d.conf.Exchange(ctx, r.FormValue("code"))

	if err != nil {
		log.WithError(err).Warn("oauth code exchange failed")
		http.Error(w, "token exchange failed", http.StatusUnauthorized)
		return
	}

	userID, err := d.identify(ctx, d.conf.TokenSource(ctx, token))

	if err != nil {
		log.WithError(err).Error("unable to identify user")
		http.Error(w, "unable to identify user", http.StatusInternalServerError)
		return
	}

	// Google only returns a refresh token on first consent.
	if token.RefreshToken == "" {
		if previous, err := d.Credentials(userID); err == nil {
			token.RefreshToken = previous.RefreshToken
		}
	}

	if err = d.StoreCredentials(userID, token); err != nil {
		log.WithError(err).WithField("user", userID).Error("unable to store credentials")
		http.Error(w, "unable to store credentials", http.StatusInternalServerError)
		return
	}

	cookie, err := d.SessionCookie(userID)

	if err != nil {
		log.WithError(err).Error("unable to sign session")
		http.Error(w, "unable to sign session", http.StatusInternalServerError)
		return
	}

	log.WithField("user", userID).Info("user authorized")

	http.SetCookie(w, cookie)
	http.Redirect(w, r, target, http.StatusFound)
}

func (d *Decorator) Credentials(userID string) (*oauth2.Token, error) {
	data, err := d.db.Get(credentialsKey(userID))

	if err != nil {
		return nil, err
	}

	token := &oauth2.Token{}

	if err = json.Unmarshal([]byte(data), token); err != nil {
		return nil, errors.Wrap(err, "decode credentials")
	}

	return token, nil
}

func (d *Decorator) StoreCredentials(userID string, token *oauth2.Token) error {
	data, err := json.Marshal(token)

	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}

	return d.db.Set(credentialsKey(userID), string(data), 0)
}

// TokenSource refreshes the session token when it expires and stores the
// refreshed one. It returns nil when the session has no credentials.
func (d *Decorator) TokenSource(ctx context.Context, s *session.Session) oauth2.TokenSource {
	if s == nil || s.Token == nil {
		return nil
	}

	return &storingTokenSource{
		src:    d.conf.TokenSource(ctx, s.Token),
		store:  d.StoreCredentials,
		userID: s.UserID,
		last:   s.Token.AccessToken,
	}
}

type storingTokenSource struct {
	src    oauth2.TokenSource
	store  func(userID string, token *oauth2.Token) error
	userID string

	mu   sync.Mutex
	last string
}

func (s *storingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.src.Token()

	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if token.AccessToken != s.last {
		if err = s.store(s.userID, token); err != nil {
			log.WithError(err).WithField("user", s.userID).Warn("unable to store refreshed credentials")
		}
		s.last = token.AccessToken
	}

	return token, nil
}

func stateKey(state string) string {
	return "oauthstate:" + state
}

func credentialsKey(userID string) string {
	return "credentials:" + userID
}
