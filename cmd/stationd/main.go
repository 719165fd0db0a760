package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agentstation/internal/behavior"
	"agentstation/internal/config"
	"agentstation/internal/fs"
	"agentstation/internal/messaging/inproc"
	"agentstation/internal/orchestrator"
	"agentstation/internal/policy"
	"agentstation/internal/recovery"
	"agentstation/internal/session"
	"agentstation/internal/session/chrome"
	sqlitestore "agentstation/internal/store/sqlite"
)

type app struct {
	cfg   config.Config
	svc   *orchestrator.Service
	store *sqlitestore.Store
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.agentstation/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workspaceFlag := flag.String("workspace", "", "workspace root for audit cycles override")
	dryRun := flag.Bool("dry-run", false, "use in-memory sessions instead of real browser tabs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Addr, ":8093")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.DBPath, "data/agentstation.db")
	workspaceRoot := firstNonEmpty(*workspaceFlag, cfg.WorkspaceRoot, "workspace")
	dbPath = filepath.Clean(dbPath)
	workspaceRoot = filepath.Clean(workspaceRoot)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		log.Fatalf("create workspace directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	var provider session.Provider
	var stealther session.Stealther
	if *dryRun {
		fake := session.NewFake()
		provider = fake
		stealther = fake
	} else {
		chromeProvider, err := chrome.NewProvider(ctx, chrome.Config{
			UserDataDir: cfg.Browser.UserDataDir,
			Headless:    cfg.Browser.Headless,
			RoleURLs:    cfg.Browser.RoleURLs,
			Selectors: chrome.Selectors{
				Input:             cfg.Selectors.Input,
				SendButton:        cfg.Selectors.SendButton,
				MessageAnchor:     cfg.Selectors.MessageAnchor,
				ThinkingIndicator: cfg.Selectors.ThinkingIndicator,
			},
		}, log.Default())
		if err != nil {
			log.Fatalf("start browser allocator: %v", err)
		}
		defer chromeProvider.Close()
		provider = chromeProvider
		stealther = chromeProvider
	}

	arena := session.NewArena(provider, stealther, durationMS(cfg.Recovery.L4RollingWindowMS, 5*time.Minute), log.Default())
	defer arena.Shutdown(context.Background())

	classifier := policy.New(arena, intOrDefault(cfg.Recovery.L4ErrorThreshold, 3))
	manager := recovery.New(arena, provider, classifier, store, recovery.Config{
		MaxL2Retries:      intOrDefault(cfg.Recovery.MaxL2Retries, 3),
		BackoffBase:       durationMS(cfg.Recovery.L2BackoffBaseMS, 2*time.Second),
		BackoffMultiplier: cfg.Recovery.L2BackoffMultiplier,
		ReplyTimeout:      durationMS(cfg.Recovery.ReplyTimeoutMS, 90*time.Second),
		FrustrationMin:    durationMS(cfg.Recovery.FrustrationMinMS, 2*time.Second),
		FrustrationMax:    durationMS(cfg.Recovery.FrustrationMaxMS, 5*time.Second),
		Behavior:          behaviorConfig(cfg.Behavior),
	}, log.Default())

	walker, err := fs.NewGateway(workspaceRoot)
	if err != nil {
		log.Fatalf("create workspace walker: %v", err)
	}

	bus := inproc.New(256)
	go func() {
		for sig := range bus.Subscribe("stationd-log") {
			log.Printf("signal cycle=%s seq=%d kind=%s origin=%s", sig.CycleID, sig.Seq, sig.Kind, sig.Origin)
		}
	}()
	svc := orchestrator.New(store, bus, manager, walker, orchestrator.Config{
		MaxTaskRejections: intOrDefault(cfg.Plan.MaxTaskRejectionAttempts, 3),
	}, log.Default())

	a := &app{cfg: cfg, svc: svc, store: store}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/cycles", a.handleCycles(ctx))
	mux.HandleFunc("/cycles/", a.handleCycleByID)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"agentstation started addr=%s db=%s workspace=%s dry_run=%v",
		addr,
		dbPath,
		workspaceRoot,
		*dryRun,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleCycles(runCtx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cycles, err := a.store.ListCycles(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, cycles)
		case http.MethodPost:
			var req struct {
				Kind string `json:"kind"`
				Goal string `json:"goal"`
				Root string `json:"root"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
			switch req.Kind {
			case "dev":
				if strings.TrimSpace(req.Goal) == "" {
					writeError(w, http.StatusBadRequest, fmt.Errorf("goal is required for a dev cycle"))
					return
				}
				go func() {
					if _, err := a.svc.RunDevCycle(runCtx, req.Goal); err != nil {
						log.Printf("dev cycle: %v", err)
					}
				}()
			case "audit":
				go func() {
					if _, err := a.svc.RunAuditCycle(runCtx, req.Root); err != nil {
						log.Printf("audit cycle: %v", err)
					}
				}()
			default:
				writeError(w, http.StatusBadRequest, fmt.Errorf("kind must be dev or audit"))
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "kind": req.Kind})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (a *app) handleCycleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/cycles/")
	parts := strings.Split(trimmed, "/")
	cycleID := parts[0]
	if cycleID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("cycle id is required"))
		return
	}

	if len(parts) == 1 {
		cycle, err := a.store.GetCycle(r.Context(), cycleID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, cycle)
		return
	}

	switch parts[1] {
	case "signals":
		items, err := a.store.ListSignals(r.Context(), cycleID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "tasks":
		items, err := a.store.ListTasks(r.Context(), cycleID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "errors":
		items, err := a.store.ListErrorEvents(r.Context(), cycleID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown resource: %s", parts[1]))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func behaviorConfig(c config.BehaviorConfig) behavior.Config {
	return behavior.Config{
		ThinkingDelayMu:      c.ThinkingDelayMu,
		ThinkingDelaySigma:   c.ThinkingDelaySigma,
		ThinkingDelayPerChar: time.Duration(c.ThinkingDelayPerCharMS * float64(time.Millisecond)),
		JitterFrac:           c.BezierJitterFrac,
		MinJitterPx:          c.BezierMinJitterPx,
		PathStepsMin:         c.PathStepsMin,
		PathStepsMax:         c.PathStepsMax,
		IdleProbability:      c.IdleProbability,
		TypoProbability:      c.TypoProbability,
	}
}
