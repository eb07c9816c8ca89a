package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"kcfront/server"
)

const sweepInterval = time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("KCFRONT_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "check" {
		realm := cfg.Auth.DefaultRealm
		if len(args) > 1 {
			realm = args[1]
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		client := server.NewProviderHTTPClient(cfg.Provider)
		if err := server.CheckRealm(ctx, client, cfg.Provider.BaseURI, realm, logger); err != nil {
			logger.Error("realm check failed", "realm", realm, "error", err)
			os.Exit(1)
		}
		logger.Info("realm check succeeded", "realm", realm)
		return
	}

	if err := run(cfg, logger); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run(cfg server.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	// Discovery is advisory at startup; the provider may come up after us.
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := server.CheckRealm(checkCtx, application.Provider.HTTP, cfg.Provider.BaseURI, cfg.Auth.DefaultRealm, logger); err != nil {
		logger.Warn("provider realm may not be reachable",
			"realm", cfg.Auth.DefaultRealm,
			"base_uri", cfg.Provider.BaseURI,
			"error", err,
			"note", "server will continue but logins may fail")
	}
	cancel()

	stopSweep := make(chan struct{})
	application.Store.StartSweeper(sweepInterval, stopSweep)
	defer close(stopSweep)

	servers := buildServers(cfg, application.Routes())

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			logger.Info("server listening", "name", s.name, "addr", s.srv.Addr)
			var err error
			if s.tls {
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

type listener struct {
	name string
	srv  *http.Server
	tls  bool
}

func buildServers(cfg server.Config, handler http.Handler) []listener {
	if cfg.Server.DevMode {
		return []listener{{
			name: "dev",
			srv: &http.Server{
				Addr:         cfg.Server.DevListenAddr,
				Handler:      handler,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
			},
		}}
	}

	m := &autocert.Manager{
		Cache:      autocert.DirCache(filepath.Join(cfg.Server.SecretsPath, "tls")),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
		Email:      cfg.Server.TLS.Email,
	}
	return []listener{
		{
			name: "http-redirect",
			srv: &http.Server{
				Addr:              cfg.Server.HTTPListenAddr,
				Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
				ReadHeaderTimeout: 10 * time.Second,
			},
		},
		{
			name: "https",
			tls:  true,
			srv: &http.Server{
				Addr:    cfg.Server.HTTPSListenAddr,
				Handler: handler,
				TLSConfig: &tls.Config{
					GetCertificate: m.GetCertificate,
					MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
				},
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
			},
		},
	}
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("checking provider realms...")
	client := server.NewProviderHTTPClient(cfg.Provider)
	realms := cfg.Auth.AllowedRealms
	if len(realms) == 0 {
		realms = []string{cfg.Auth.DefaultRealm}
	}
	for _, realm := range realms {
		if err := server.CheckRealm(ctx, client, cfg.Provider.BaseURI, realm, logger); err != nil {
			logger.Error("realm discovery failed", "realm", realm, "error", err)
		} else {
			logger.Info("realm is reachable", "realm", realm)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

// runSetup walks through a guided setup for a Keycloak realm client.
func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := &prompter{reader: bufio.NewReader(in), out: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for a Keycloak client. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.askYesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.DevListenAddr = p.ask("Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := p.askRequired("Primary public domain (e.g. app.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.Auth.RedirectURI = cfg.Server.PublicURL + "/auth/callback"
		cfg.Auth.LogoutRedirectURI = cfg.Server.PublicURL + "/"
	}

	cfg.Provider.BaseURI = strings.TrimSuffix(p.ask("Keycloak base URL", cfg.Provider.BaseURI), "/")
	cfg.Auth.DefaultRealm = p.ask("Default realm", cfg.Auth.DefaultRealm)
	cfg.Auth.DefaultClientID = p.ask("Client ID", cfg.Auth.DefaultClientID)
	cfg.Auth.ClientSecret = p.ask("Client secret (empty for public clients)", "")
	cfg.Auth.RedirectURI = p.ask("Redirect URI", cfg.Auth.RedirectURI)
	cfg.Auth.AllowedRealms = normalizeList(p.ask("Allowed realms (comma separated, empty for any)", ""), nil)

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p *prompter) readLine() (string, bool) {
	input, err := p.reader.ReadString('\n')
	return strings.TrimSpace(input), err == nil || input != ""
}

func (p *prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", prompt)
	}
	input, _ := p.readLine()
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func (p *prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.out, "%s: ", prompt)
		input, ok := p.readLine()
		if input != "" {
			return input
		}
		if !ok {
			return ""
		}
		fmt.Fprintln(p.out, "This value is required. Please enter a value.")
	}
}

func (p *prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", prompt, defLabel)
		input, ok := p.readLine()
		switch strings.ToLower(input) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if !ok {
			return def
		}
		fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
