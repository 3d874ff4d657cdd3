// Package quickstart serves the Compute Engine quick start demo: a landing
// page and endpoints listing, starting and stopping a small cluster of
// instances named after the demo.
package quickstart

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"quickstart/internal/cloud"
	"quickstart/internal/metric"
	"quickstart/internal/oauth"
	"quickstart/internal/session"
	"quickstart/internal/userdata"
)

const (
	// DemoName prefixes the routes and the names of the demo instances.
	DemoName = "quick-start"

	// MaxResults caps instance listings and the size of a cluster.
	MaxResults = 100
)

//go:embed templates/*.html
var templates embed.FS

// Config is built once at startup and never modified.
type Config struct {
	DemoName   string
	MaxResults int64

	// StrictWriteAuth puts the write endpoints behind the OAuth gate. When
	// false they only need a known principal and stored settings.
	StrictWriteAuth bool
}

// DefaultConfig guards every endpoint with the OAuth gate.
func DefaultConfig() Config {
	return Config{
		DemoName:        DemoName,
		MaxResults:      MaxResults,
		StrictWriteAuth: true,
	}
}

// Handler serves the demo endpoints for the user attached by the gates.
type Handler struct {
	cfg       Config
	auth      *oauth.Decorator
	data      *userdata.DataHandler
	providers cloud.Factory
	metric    metric.Client
	tmpl      *template.Template
}

// NewHandler falls back to a Null metric client when metricClient is nil.
func NewHandler(cfg Config, auth *oauth.Decorator, data *userdata.DataHandler, providers cloud.Factory, metricClient metric.Client) *Handler {
	if metricClient == nil {
		metricClient = &metric.Null{}
	}

	return &Handler{
		cfg:       cfg,
		auth:      auth,
		data:      data,
		providers: providers,
		metric:    metricClient,
		tmpl:      template.Must(template.ParseFS(templates, "templates/index.html")),
	}
}

// RegisterRoutes mounts the demo, the setup page and the OAuth callback.
func (h *Handler) RegisterRoutes(r chi.Router) {
	gate := chi.Chain(h.auth.OAuthRequired, h.data.DataRequired)
	writeGate := gate

	if !h.cfg.StrictWriteAuth {
		writeGate = chi.Chain(h.auth.PrincipalRequired, h.data.DataRequired)
	}

	base := "/" + h.cfg.DemoName

	r.With(gate...).Get(base, h.HandlePage)
	r.With(gate...).Get(base+"/instance", h.HandleListInstances)
	r.With(writeGate...).Post(base+"/instance", h.HandleStartInstances)
	r.With(writeGate...).Post(base+"/cleanup", h.HandleCleanup)

	r.With(h.auth.OAuthRequired).Handle(h.data.URLPath(), h.data)
	r.Get(h.auth.CallbackPath(), h.auth.Callback)
}

// Filter selects the instances belonging to the demo.
func (h *Handler) Filter() string {
	return fmt.Sprintf("name eq ^%s.*", h.cfg.DemoName)
}

// HandlePage renders the landing page. Credentials without a refresh token
// would stop working once expired, so consent is requested again.
func (h *Handler) HandlePage(w http.ResponseWriter, r *http.Request) {
	s := session.FromContext(r.Context())

	if !s.HasRefreshToken() {
		h.auth.AuthorizeRedirect(w, r, oauth.ForceApproval)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := h.tmpl.Execute(w, map[string]interface{}{"demo_name": h.cfg.DemoName}); err != nil {
		log.WithError(err).Error("unable to render landing page")
	}
}

type instanceStatus struct {
	Status string `json:"status"`
}

// HandleListInstances answers with a JSON object mapping instance name to
// its status.
func (h *Handler) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	provider, err := h.provider(ctx, s)

	if err != nil {
		h.providerError(w, r, "Error getting instances", err)
		return
	}

	instances, err := provider.Instances(ctx, h.Filter(), h.cfg.MaxResults)

	if err != nil {
		h.providerError(w, r, "Error getting instances", err)
		return
	}

	statuses := make(map[string]instanceStatus, len(instances))
	for _, instance := range instances {
		statuses[instance.Name] = instanceStatus{Status: instance.Status}
	}

	w.Header().Set("Content-Type", "application/json")

	if err = json.NewEncoder(w).Encode(statuses); err != nil {
		log.WithError(err).Debug("unable to write instances")
	}
}

// HandleStartInstances inserts num_instances instances named
// <demo>-0 ... <demo>-(n-1) in one bulk call.
func (h *Handler) HandleStartInstances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	count, err := parseCount(r.FormValue("num_instances"), h.cfg.MaxResults)

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	provider, err := h.provider(ctx, s)

	if err != nil {
		h.providerError(w, r, "Error inserting instances", err)
		return
	}

	instances := make([]*cloud.Instance, count)
	for i := range instances {
		instances[i] = &cloud.Instance{Name: fmt.Sprintf("%s-%d", h.cfg.DemoName, i)}
	}

	if err = provider.BulkInsert(ctx, instances); err != nil {
		h.providerError(w, r, "Error inserting instances", err)
		return
	}

	log.WithFields(log.Fields{
		"user":      s.UserID,
		"project":   s.Data[userdata.ProjectID],
		"instances": count,
	}).Info("starting cluster")
	h.record("start", len(instances))

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("starting cluster"))
}

// HandleCleanup deletes every instance of the demo in one bulk call.
func (h *Handler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := session.FromContext(ctx)

	provider, err := h.provider(ctx, s)

	if err != nil {
		h.providerError(w, r, "Error deleting instances", err)
		return
	}

	instances, err := provider.Instances(ctx, h.Filter(), h.cfg.MaxResults)

	if err != nil {
		h.providerError(w, r, "Error deleting instances", err)
		return
	}

	if err = provider.BulkDelete(ctx, instances); err != nil {
		h.providerError(w, r, "Error deleting instances", err)
		return
	}

	log.WithFields(log.Fields{
		"user":      s.UserID,
		"project":   s.Data[userdata.ProjectID],
		"instances": len(instances),
	}).Info("stopping cluster")
	h.record("stop", len(instances))

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("stopping cluster"))
}

func (h *Handler) provider(ctx context.Context, s *session.Session) (cloud.Provider, error) {
	if s == nil || s.Token == nil {
		return nil, &cloud.TokenError{Err: errors.New("no credentials on file")}
	}

	return h.providers(ctx, h.auth.TokenSource(ctx, s), s.Data[userdata.ProjectID])
}

type errorResponse struct {
	Error string `json:"error"`
}

// providerError answers 401 with no body for rejected credentials and 500
// with a JSON error otherwise.
func (h *Handler) providerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	entry := log.WithError(err).WithField("path", r.URL.Path)
	if s := session.FromContext(r.Context()); s != nil {
		entry = entry.WithField("user", s.UserID)
	}

	w.Header().Set("Content-Type", "application/json")

	if cloud.IsTokenError(err) {
		entry.Warn("unauthorized")
		h.record("unauthorized", 0)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	entry.Error(message)
	h.record("error", 0)
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message + ": " + err.Error()})
}

func (h *Handler) record(action string, instances int) {
	h.metric.Record("cluster",
		metric.Tags{"demo": h.cfg.DemoName, "action": action},
		metric.Fields{"instances": instances},
	)
}

// parseCount accepts at most limit instances, the most a cleanup can list.
func parseCount(value string, limit int64) (int, error) {
	count, err := strconv.Atoi(value)

	if err != nil {
		return 0, errors.Errorf("invalid num_instances %q", value)
	}

	if count < 0 {
		return 0, errors.Errorf("num_instances must not be negative, got %d", count)
	}

	if int64(count) > limit {
		return 0, errors.Errorf("num_instances must be at most %d, got %d", limit, count)
	}

	return count, nil
}
