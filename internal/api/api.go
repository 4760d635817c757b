package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/susu3304/klingbot/internal/config"
	"github.com/susu3304/klingbot/internal/db"
	"github.com/susu3304/klingbot/internal/orchestrator"
	"golang.org/x/oauth2"
)

// Notify delivers a payment confirmation to a user on the chat transport.
type Notify func(userID int64, text string) error

type API struct {
	router      *mux.Router
	db          *db.DB
	svc         *orchestrator.Service
	config      *config.Config
	oauthConfig *oauth2.Config
	jwtSecret   []byte
	notify      Notify
	limiter     *keyLimiter
}

func New(cfg *config.Config, database *db.DB, svc *orchestrator.Service, notify Notify) *API {
	api := &API{
		router:    mux.NewRouter(),
		db:        database,
		svc:       svc,
		config:    cfg,
		jwtSecret: []byte(cfg.JWTSecret),
		notify:    notify,
		limiter:   newKeyLimiter(1, 5),
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.DiscordClientID,
			ClientSecret: cfg.DiscordClientSecret,
			RedirectURL:  cfg.DiscordRedirectURI,
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://discord.com/api/oauth2/authorize",
				TokenURL: "https://discord.com/api/oauth2/token",
			},
		},
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	// Payment webhook and health
	a.router.HandleFunc("/webhook/yoomoney", a.handleWebhook).Methods("POST")
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")

	// Auth endpoints
	a.router.HandleFunc("/api/auth/login", a.handleLogin).Methods("GET")
	a.router.HandleFunc("/api/auth/callback", a.handleCallback).Methods("GET")

	// Protected admin endpoints
	protected := a.router.PathPrefix("/api").Subrouter()
	protected.Use(a.authMiddleware)

	protected.HandleFunc("/balances", a.handleListBalances).Methods("GET")
	protected.HandleFunc("/balances/{user_id}", a.handleGetBalance).Methods("GET")
}

func (a *API) Start() error {
	corsOptions := cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}

	handler := cors.New(corsOptions).Handler(a.router)

	log.Printf("API server listening on http://%s", a.config.WebBind)
	return http.ListenAndServe(a.config.WebBind, handler)
}
