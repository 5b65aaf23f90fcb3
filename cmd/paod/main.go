package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/agentpact/trustcore/internal/config"
	"github.com/agentpact/trustcore/internal/engine"
	"github.com/agentpact/trustcore/internal/gateway"
	"github.com/agentpact/trustcore/internal/store"
	"github.com/agentpact/trustcore/pkg/identity"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config (optional; env overrides apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("paod: %v", err)
	}

	var st store.Store
	if cfg.Storage.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgres(ctx, cfg.Storage.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("paod: postgres: %v", err)
		}
		st = pg
		log.Printf("paod: using postgres storage")
	} else {
		fs, err := store.NewFS(cfg.Storage.Dir)
		if err != nil {
			log.Fatalf("paod: store: %v", err)
		}
		st = fs
		log.Printf("paod: using file storage at %s", cfg.Storage.Dir)
	}
	defer st.Close()

	ids := identity.NewManager(cfg.Identity.Dir)
	doc, err := ids.Load()
	if err != nil {
		name := cfg.Identity.Name
		if name == "" {
			name = "node"
		}
		doc, err = ids.Init(cfg.Identity.Namespace, name, nil)
		if err != nil {
			log.Fatalf("paod: identity init: %v", err)
		}
		log.Printf("paod: initialized identity %s", doc.ID)
	} else {
		log.Printf("paod: loaded identity %s", doc.ID)
	}
	if problems := identity.VerifyKeyChainIntegrity(doc); len(problems) > 0 {
		log.Fatalf("paod: key chain integrity failure: %v", problems)
	}

	eng := engine.New(st, ids, engine.Options{
		ProposalTTL:    cfg.ProposalTTL(),
		GracePeriod:    cfg.GracePeriod(),
		EvidenceWindow: cfg.EvidenceWindow(),
	})
	gw := gateway.New(eng, ids, cfg)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gw.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("paod: listening on %s", cfg.Server.ListenAddr)
	log.Fatal(srv.ListenAndServe())
}
