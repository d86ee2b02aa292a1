package cli

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/mchmarny/txguard/pkg/logging"
	"github.com/mchmarny/txguard/pkg/scoring"
	"github.com/mchmarny/txguard/pkg/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
)

const (
	serverShutdownWaitSeconds = 5
	serverTimeoutSeconds      = 300
	serverMaxHeaderBytes      = 20
	serverHostDefault         = "127.0.0.1"
)

//go:embed assets/* templates/*
var embedFS embed.FS

const (
	flagPort      = "port"
	flagHost      = "host"
	flagNoBrowser = "no-browser"
	flagLogJSON   = "log-json"
	flagOTLP      = "otlp-endpoint"
)

func newServerCmd() *cli.Command {
	return &cli.Command{
		Name:            "server",
		Aliases:         []string{"serve"},
		Usage:           "Start the prediction API and dashboard",
		HideHelpCommand: true,
		Action:          cmdStartServer,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    flagPort,
				Usage:   "Port on which the server will listen (default: 8080)",
				Sources: cli.EnvVars(envPrefix + "PORT"),
			},
			&cli.StringFlag{
				Name:    flagHost,
				Usage:   "Address on which the server will listen",
				Value:   serverHostDefault,
				Sources: cli.EnvVars(envPrefix + "HOST"),
			},
			modelsFlag(),
			limitFlag(),
			seedFlag(),
			&cli.BoolFlag{
				Name:    flagNoBrowser,
				Aliases: []string{"nb"},
				Usage:   "Do not open the dashboard in a browser",
			},
			&cli.BoolFlag{
				Name:    flagLogJSON,
				Usage:   "Write structured JSON logs",
				Sources: cli.EnvVars(envPrefix + "LOG_JSON"),
			},
			&cli.StringFlag{
				Name:    flagOTLP,
				Usage:   "OTLP/HTTP traces endpoint, e.g. http://127.0.0.1:4318 (optional)",
				Sources: cli.EnvVars(envPrefix + "OTLP_ENDPOINT"),
			},
		},
	}
}

func cmdStartServer(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	sc := cfg.Config.Server

	if cmd.Bool(flagLogJSON) {
		level := "info"
		if cfg.Debug {
			level = "debug"
		}
		slog.SetDefault(logging.NewServerLogger(os.Stderr, level))
	}

	shutdownTracing, err := tracing.Setup(ctx, cmd.String(flagOTLP), version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("error flushing traces", "error", err)
		}
	}()

	models := stringValue(cmd, flagModels, sc.ModelsDir)
	svc, err := scoring.Load(models)
	if err != nil {
		return fmt.Errorf("refusing to start without a valid model in %s: %w", models, err)
	}
	slog.Info("model loaded", "pair_id", svc.PairID(), "dir", models)

	opt := scoring.BatchOptions{
		Limit: intValue(cmd, flagLimit, sc.BatchLimit),
		Seed:  uint64Value(cmd, flagSeed, sc.SampleSeed),
	}

	address := net.JoinHostPort(cmd.String(flagHost), strconv.Itoa(intValue(cmd, flagPort, sc.Port)))
	s := &http.Server{
		Addr:           address,
		Handler:        tracing.WrapHandler(withRequestLog(makeRouter(svc, cfg.DB, opt))),
		ReadTimeout:    serverTimeoutSeconds * time.Second,
		WriteTimeout:   serverTimeoutSeconds * time.Second,
		MaxHeaderBytes: 1 << serverMaxHeaderBytes,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(done)

	errCh := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	url := fmt.Sprintf("http://%s", address)
	slog.Info("server started", "address", url)

	if !cmd.Bool(flagNoBrowser) {
		openBrowser(url)
	}

	select {
	case <-done:
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("error starting server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownWaitSeconds*time.Second)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("error shutting down server", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

func makeRouter(svc *scoring.Service, db *sql.DB, opt scoring.BatchOptions) *http.ServeMux {
	tmpl := template.Must(template.New("").Funcs(viewFuncs).ParseFS(embedFS, "templates/*.html"))

	mux := http.NewServeMux()

	// Static files
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(embedFS)))
	mux.HandleFunc("GET /favicon.ico", faviconHandler)

	// Views
	mux.HandleFunc("GET /{$}", homeViewHandler(tmpl, svc))
	mux.HandleFunc("POST /dashboard/upload", uploadViewHandler(tmpl, svc, db, opt))

	// API
	mux.HandleFunc("POST /predict", predictAPIHandler(svc))
	mux.HandleFunc("GET /health", healthAPIHandler(svc))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func openBrowser(url string) {
	var cmd string
	args := make([]string, 0, 1)

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
	case "linux":
		cmd = "xdg-open"
	default: // windows
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler"}
	}

	args = append(args, url)
	if err := exec.Command(cmd, args...).Start(); err != nil {
		slog.Error("failed to open browser", "error", err)
	}
}
