package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hivemindhq/hivemind/internal/contentstore"
	"github.com/hivemindhq/hivemind/internal/hivemind"
	"github.com/hivemindhq/hivemind/internal/vault"
)

func main() {
	vaultDir := flag.String("vault", strings.TrimSpace(os.Getenv("HIVEMIND_VAULT")), "vault directory")
	stateDSN := flag.String("state", envOrDefault("HIVEMIND_STATE", ""), "mapping state DSN (file path, memory://, or postgres://)")
	storeURL := flag.String("store-url", strings.TrimSpace(os.Getenv("HIVEMIND_STORE_URL")), "content store base URL (empty runs an in-process store)")
	token := flag.String("token", strings.TrimSpace(os.Getenv("HIVEMIND_TOKEN")), "bearer token for the content store")
	user := flag.String("user", strings.TrimSpace(os.Getenv("HIVEMIND_USER")), "user identity recorded on shared documents")
	quietWindow := flag.Duration("quiet-window", durationEnv("HIVEMIND_QUIET_WINDOW", 500*time.Millisecond), "debounce window for local edits")
	reconcileOnly := flag.Bool("reconcile", false, "run one reconciliation pass, print the report, and exit")
	flag.Parse()

	if strings.TrimSpace(*vaultDir) == "" {
		log.Fatalf("vault is required (--vault or HIVEMIND_VAULT)")
	}

	tree, err := vault.Open(*vaultDir)
	if err != nil {
		log.Fatalf("failed to open vault: %v", err)
	}

	dsn := strings.TrimSpace(*stateDSN)
	if dsn == "" {
		dsn = tree.Root() + "/.hivemind/mappings.json"
	}
	backend, err := hivemind.BuildStateBackendFromDSN(dsn)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	defer func() {
		if err := hivemind.CloseStateBackend(backend); err != nil {
			log.Printf("state backend close failed: %v", err)
		}
	}()

	var store hivemind.ContentStore
	if strings.TrimSpace(*storeURL) == "" {
		log.Printf("no store URL configured; using in-process content store")
		store = contentstore.NewMemStore()
	} else {
		store = contentstore.NewClient(*storeURL, *token, contentstore.ClientOptions{Logger: log.Default()})
	}

	mappings, err := hivemind.NewMappingStore(hivemind.MappingStoreOptions{
		Files:   tree,
		Backend: backend,
		User:    *user,
	})
	if err != nil {
		log.Fatalf("failed to initialize mapping store: %v", err)
	}

	controller, err := hivemind.NewController(hivemind.ControllerOptions{
		Mappings:    mappings,
		Files:       tree,
		Store:       store,
		QuietWindow: *quietWindow,
		Logger:      log.Default(),
		User:        *user,
	})
	if err != nil {
		log.Fatalf("failed to initialize controller: %v", err)
	}
	defer controller.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := controller.Reconcile(rootCtx)
	if err != nil {
		log.Fatalf("startup reconciliation failed: %v", err)
	}
	log.Printf("reconciliation: %d mappings, %d orphaned, %d relinked, %d unresolved",
		report.Scanned, report.Orphaned, len(report.Relinked), len(report.Unresolved))
	if *reconcileOnly {
		payload, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("failed to encode report: %v", err)
		}
		os.Stdout.Write(append(payload, '\n'))
		if err := report.UnresolvedErr(); err != nil {
			log.Fatalf("reconciliation incomplete: %v", err)
		}
		return
	}

	subscribed := controller.ResubscribeAll(rootCtx)
	log.Printf("subscribed to %d shared documents", subscribed)

	watcher, err := vault.NewWatcher(tree)
	if err != nil {
		log.Fatalf("failed to create watcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatalf("failed to start watcher: %v", err)
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.Printf("watcher stop failed: %v", err)
		}
	}()

	orchestrator := controller.Orchestrator()
	log.Printf("hivemindd watching %s", tree.Root())
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("hivemindd stopping: %v", rootCtx.Err())
			return
		case event, ok := <-watcher.Events():
			if !ok {
				return
			}
			switch event.Op {
			case vault.OpCreate, vault.OpModify:
				orchestrator.NotifyModified(event.Path)
			case vault.OpRename:
				orchestrator.NotifyRenamed(event.OldPath, event.Path)
			case vault.OpDelete:
				orchestrator.NotifyDeleted(event.Path)
			}
		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
