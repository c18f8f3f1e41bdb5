package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"voidlink/auth"
	"voidlink/config"
	"voidlink/crypto"
	"voidlink/discovery"
	"voidlink/network"
	"voidlink/security"
	"voidlink/storage"
	"voidlink/transfer"
)

func main() {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		log.Fatalf("startup failed while preparing server identity: %v", err)
	}

	if fingerprint := identity.Fingerprint(); cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(config.ConfigPath(dataDir), cfg); err != nil {
			log.Fatalf("startup failed while persisting key fingerprint: %v", err)
		}
	}

	fmt.Printf("Server ID:       %s\n", cfg.ServerID)
	fmt.Printf("Server Name:     %s\n", cfg.ServerName)
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(cfg.KeyFingerprint))
	fmt.Printf("Data Directory:  %s\n", dataDir)

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	authenticator := auth.New(store)
	created, err := authenticator.EnsureDefaultAdmin("admin", "admin")
	if err != nil {
		log.Fatalf("startup failed while ensuring admin account: %v", err)
	}
	if created {
		log.Printf("created default admin account; change its password")
	}

	engine, err := transfer.NewEngine(transfer.Config{
		FilesDir:      config.FilesDir(dataDir),
		QuarantineDir: config.QuarantineDir(dataDir),
		TempDir:       config.TempDir(dataDir),
		Store:         store,
		Scanner:       &security.Scanner{MaxFileSize: cfg.MaxFileSizeBytes},
	})
	if err != nil {
		log.Fatalf("startup failed while creating transfer engine: %v", err)
	}

	server, err := network.Listen(fmt.Sprintf(":%d", cfg.ListeningPort), network.ServerConfig{
		Identity: network.ServerIdentity{
			ServerID:   cfg.ServerID,
			ServerName: cfg.ServerName,
			Keys:       identity,
		},
		Auth:   authenticator,
		Engine: engine,
		Store:  store,
	})
	if err != nil {
		log.Fatalf("startup failed while starting listener: %v", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			log.Printf("listener close error: %v", err)
		}
	}()
	fmt.Printf("Listening:       %s\n", server.Addr())

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		ServerID:       cfg.ServerID,
		ServerName:     cfg.ServerName,
		ListeningPort:  cfg.ListeningPort,
		KeyFingerprint: cfg.KeyFingerprint,
	})
	if err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer broadcaster.Stop()
		fmt.Println("Discovery:       advertising")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}
