package server

import (
	"context"
	"crypto/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quickstart/internal/cloud"
	"quickstart/internal/command/root"
	"quickstart/internal/httplog"
	"quickstart/internal/oauth"
	"quickstart/internal/quickstart"
	"quickstart/internal/signal"
	"quickstart/internal/userdata"
)

func init() {
	root.Cmd.AddCommand(cmd)

	cmd.PersistentFlags().String("listen", ":8080", "HTTP listen address")

	cmd.PersistentFlags().String("oauth-client-id", "", "OAuth client id")
	cmd.PersistentFlags().String("oauth-client-secret", "", "OAuth client secret")
	cmd.PersistentFlags().String("oauth-redirect-url", "http://localhost:8080/oauth2callback", "OAuth redirect URL")
	cmd.PersistentFlags().String("session-key", "", "Session cookie signing key, random when empty")
	cmd.PersistentFlags().Bool("strict-write-auth", true, "Require OAuth on cluster start and stop, not only stored settings")

	cmd.PersistentFlags().String("instance-template", "", "YAML instance template")
	cmd.PersistentFlags().String("gce-zone", "", "GCE zone, overrides the template")
	cmd.PersistentFlags().String("gce-machine-type", "", "GCE machine type, overrides the template")
	cmd.PersistentFlags().String("gce-image", "", "GCE source image, overrides the template")

	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		log.WithError(err).Fatal("flag biding failed")
	}
}

var cmd = &cobra.Command{
	Use:   "server",
	Short: "Serve the quick start demo",
	Long:  `Quick Start server: web page and endpoints starting and stopping demo instances for the signed in user`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info("starting server")

		cmpt := root.GetComponent(true, true)

		template, err := instanceTemplate()

		if err != nil {
			log.WithError(err).Fatal("instance template")
		}

		sessionKey, err := sessionKey()

		if err != nil {
			log.WithError(err).Fatal("session key")
		}

		auth := oauth.New(oauth.Config{
			ClientID:     viper.GetString("oauth-client-id"),
			ClientSecret: viper.GetString("oauth-client-secret"),
			RedirectURL:  viper.GetString("oauth-redirect-url"),
			SessionKey:   sessionKey,
		}, cmpt.DB, oauth.GoogleUserID)

		cfg := quickstart.DefaultConfig()
		cfg.StrictWriteAuth = viper.GetBool("strict-write-auth")

		params := []userdata.Parameter{userdata.Defaults[userdata.ProjectID]}
		data := userdata.NewDataHandler(cfg.DemoName, params, userdata.NewStore(cmpt.DB))

		handler := quickstart.NewHandler(cfg, auth, data, cloud.GCPFactory(template), cmpt.Metric)

		s := server{
			listen:  viper.GetString("listen"),
			handler: handler,
		}

		ctx := signal.WatchInterrupt(context.Background(), 10*time.Second)

		go cmpt.Metric.Ticker(ctx, 10*time.Second)

		log.WithFields(log.Fields{
			"listen":            s.listen,
			"zone":              template.Zone,
			"machine_type":      template.MachineType,
			"strict_write_auth": cfg.StrictWriteAuth,
		}).Info("server configured")

		s.Run(ctx)
	},
}

type server struct {
	listen  string
	handler *quickstart.Handler
}

func (s *server) router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(httplog.Middleware)
	mux.Use(middleware.Recoverer)

	mux.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	s.handler.RegisterRoutes(mux)

	return mux
}

func (s *server) Run(ctx context.Context) {
	srv := &http.Server{
		Addr:    s.listen,
		Handler: s.router(),
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("graceful HTTP server shutdown failed")
		}
	}()

	log.Infof("listening on '%s'", s.listen)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("HTTP server failed")
	}

	log.Info("server stopped")
}

func instanceTemplate() (cloud.InstanceTemplate, error) {
	template := cloud.DefaultTemplate()

	if path := viper.GetString("instance-template"); path != "" {
		var err error
		if template, err = cloud.LoadTemplate(path); err != nil {
			return template, err
		}
	}

	if zone := viper.GetString("gce-zone"); zone != "" {
		template.Zone = zone
	}

	if machineType := viper.GetString("gce-machine-type"); machineType != "" {
		template.MachineType = machineType
	}

	if image := viper.GetString("gce-image"); image != "" {
		template.Image = image
	}

	return template, nil
}

func sessionKey() ([]byte, error) {
	if key := viper.GetString("session-key"); key != "" {
		return []byte(key), nil
	}

	log.Warn("no session key, sessions will not survive a restart")

	key := make([]byte, 32)

	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate session key")
	}

	return key, nil
}
