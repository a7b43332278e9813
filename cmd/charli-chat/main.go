package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charli-chat/charli-chat/ai"
	"github.com/charli-chat/charli-chat/auth"
	"github.com/charli-chat/charli-chat/config"
	"github.com/charli-chat/charli-chat/globals"
	"github.com/charli-chat/charli-chat/persistence"
	"github.com/charli-chat/charli-chat/types"
	"github.com/charli-chat/charli-chat/ws"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "", "listen address (including port), overrides configuration")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert for websocket (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key for websocket (optional)")
)

func main() {
	pflag.CommandLine.AddFlagSet(config.GetFlagSet())
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, pflag.CommandLine)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	persister, err := persistence.NewPersister(cfg)
	if err != nil {
		panic(err)
	}
	defer persister.Close()

	if err := seedDefaults(cfg, persister); err != nil {
		panic(err)
	}

	resolvers := auth.ChainResolver{}
	if cfg.JWTConfig.Secret != "" {
		resolvers = append(resolvers, auth.NewJWTResolver(cfg.JWTConfig.Secret))
	}
	if len(cfg.OIDCConfigs) > 0 {
		resolvers = append(resolvers, auth.NewOIDCResolver(cfg.OIDCConfigs))
	}
	if len(resolvers) == 0 {
		panic("no authentication configured, set jwt.secret or an oidc provider")
	}
	resolver, err := auth.NewCachingResolver(resolvers, 0, 0)
	if err != nil {
		panic(err)
	}

	var provider ai.Provider
	if cfg.AssistantConfig.Enabled() {
		provider = ai.NewOpenAIProvider(cfg.AssistantConfig)
		globals.AppLogger.Info("assistant enabled", "model", cfg.AssistantConfig.Model, "user", cfg.AssistantConfig.UserId)
	} else {
		globals.AppLogger.Info("assistant disabled, no api key configured")
	}

	hub := ws.NewHub()
	gateway := ws.NewGateway(cfg, hub, persister, resolver, provider)

	c := cron.New()
	if _, err := c.AddFunc("@every 1m", hub.SendInfo); err != nil {
		panic(err)
	}
	c.Start()
	defer c.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/chat", gateway.ServeWebsocket).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		globals.AppLogger.Info("shutting down", "signal", s)
		_ = persister.Close()
		os.Exit(0)
	}()

	listenAddr := cfg.ServerConfig.Addr
	if *addr != "" {
		listenAddr = *addr
	}
	cert, key := cfg.ServerConfig.SSLCert, cfg.ServerConfig.SSLKey
	if *sslCert != "" && *sslKey != "" {
		cert, key = *sslCert, *sslKey
	}
	globals.AppLogger.Info("listening", "addr", listenAddr)
	if cert != "" && key != "" {
		err = http.ListenAndServeTLS(listenAddr, cert, key, router)
	} else {
		err = http.ListenAndServe(listenAddr, router)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}

// seedDefaults makes sure the assistant user and a default room exist, so a
// fresh install is immediately usable.
func seedDefaults(cfg *config.Config, persister persistence.Persister) error {
	assistant := &types.User{Id: cfg.AssistantConfig.UserId}
	if assistant.Id == "" {
		assistant.Id = types.AssistantUserId
	}
	if err := persister.GetUser(assistant); err != nil {
		assistant.Name = "Char-Li"
		assistant.Email = assistant.Id + "@localhost"
		if err := persister.StoreUser(*assistant); err != nil {
			return err
		}
		globals.AppLogger.Info("created assistant user", "user", assistant.Id)
	}
	rooms, err := persister.GetRooms()
	if err != nil {
		return err
	}
	if len(rooms) == 0 {
		room := types.Room{Id: "default", Name: "Lobby", Tags: make(types.JSONStringMap)}
		if err := persister.StoreRoom(room); err != nil {
			return err
		}
		globals.AppLogger.Info("created default room", "room", room.Id)
	}
	return nil
}
