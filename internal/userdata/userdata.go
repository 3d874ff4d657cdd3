// Package userdata keeps the per-user settings a demo needs before it can
// talk to Compute Engine, and serves the page collecting them.
package userdata

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"quickstart/internal/database"
	"quickstart/internal/session"
)

const ProjectID = "project_id"

type Parameter struct {
	Key   string
	Label string
}

var Defaults = map[string]Parameter{
	ProjectID: {Key: ProjectID, Label: "Compute Engine project ID"},
}

//go:embed templates/*.html
var templates embed.FS

type Store struct {
	db database.Database
}

func NewStore(db database.Database) *Store {
	return &Store{db: db}
}

// Get returns the settings userID saved for demo, or database.ErrNotFound.
func (s *Store) Get(userID, demo string) (map[string]string, error) {
	raw, err := s.db.Get(key(userID, demo))

	if err != nil {
		return nil, err
	}

	data := make(map[string]string)

	if err = json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.Wrap(err, "decode user data")
	}

	return data, nil
}

func (s *Store) Set(userID, demo string, data map[string]string) error {
	raw, err := json.Marshal(data)

	if err != nil {
		return errors.Wrap(err, "encode user data")
	}

	return s.db.Set(key(userID, demo), string(raw), 0)
}

func key(userID, demo string) string {
	return "userdata:" + demo + ":" + userID
}

type DataHandler struct {
	demo   string
	params []Parameter
	store  *Store
	tmpl   *template.Template
}

func NewDataHandler(demo string, params []Parameter, store *Store) *DataHandler {
	return &DataHandler{
		demo:   demo,
		params: params,
		store:  store,
		tmpl:   template.Must(template.ParseFS(templates, "templates/setup.html")),
	}
}

func (h *DataHandler) URLPath() string {
	return "/" + h.demo + "/data"
}

// DataRequired runs after the principal is known. It attaches the stored
// settings to the session, or redirects to the setup page if any required
// parameter is missing.
func (h *DataHandler) DataRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := session.FromContext(r.Context())

		if s == nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		data, err := h.store.Get(s.UserID, h.demo)

		if err != nil && err != database.ErrNotFound {
			log.WithError(err).WithField("user", s.UserID).Error("unable to load user data")
		}

		if !h.complete(data) {
			http.Redirect(w, r, h.URLPath()+"?redirect="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}

		gated := *s
		gated.Data = data
		next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), &gated)))
	})
}

func (h *DataHandler) complete(data map[string]string) bool {
	if data == nil {
		return false
	}

	for _, param := range h.params {
		if strings.TrimSpace(data[param.Key]) == "" {
			return false
		}
	}

	return true
}

type field struct {
	Key   string
	Label string
	Value string
}

// ServeHTTP renders the setup form on GET and saves it on POST. The session
// must already be attached.
func (h *DataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())

	if s == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	data, err := h.store.Get(s.UserID, h.demo)

	if err != nil && err != database.ErrNotFound {
		log.WithError(err).WithField("user", s.UserID).Error("unable to load user data")
		http.Error(w, "unable to load settings", http.StatusInternalServerError)
		return
	}

	if data == nil {
		data = make(map[string]string)
	}

	switch r.Method {
	case http.MethodGet:
		fields := make([]field, len(h.params))
		for i, param := range h.params {
			fields[i] = field{Key: param.Key, Label: param.Label, Value: data[param.Key]}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err = h.tmpl.Execute(w, map[string]interface{}{
			"demo_name": h.demo,
			"action":    h.URLPath(),
			"redirect":  h.redirectTarget(r.FormValue("redirect")),
			"fields":    fields,
		}); err != nil {
			log.WithError(err).Error("unable to render setup page")
		}
	case http.MethodPost:
		for _, param := range h.params {
			data[param.Key] = strings.TrimSpace(r.PostFormValue(param.Key))
		}

		if err = h.store.Set(s.UserID, h.demo, data); err != nil {
			log.WithError(err).WithField("user", s.UserID).Error("unable to store user data")
			http.Error(w, "unable to save settings", http.StatusInternalServerError)
			return
		}

		log.WithFields(log.Fields{"user": s.UserID, "demo": h.demo}).Info("user data saved")
		http.Redirect(w, r, h.redirectTarget(r.PostFormValue("redirect")), http.StatusFound)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// redirectTarget only allows local paths.
func (h *DataHandler) redirectTarget(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/" + h.demo
	}

	return target
}
