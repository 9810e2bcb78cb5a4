package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ifmis.org/internal/config"
	"ifmis.org/internal/httpapi"
	"ifmis.org/internal/identity"
	"ifmis.org/internal/mail"
	"ifmis.org/internal/obs"
	"ifmis.org/internal/signer"
)

var (
	version = "1.2.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var db *sql.DB
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if db == nil {
		log.Fatal("IFMIS_PG_DSN is required")
	}
	store := identity.NewPGStore(db)

	signerOpts := []signer.Option{
		signer.WithIssuer(cfg.Issuer),
		signer.WithAccessTTL(cfg.TokenTTL),
	}
	if cfg.SigningKeyPEM != "" {
		signerOpts = append(signerOpts, signer.WithRS256Key(cfg.SigningKeyPEM), signer.WithKeyID(cfg.SigningKeyID))
	} else {
		signerOpts = append(signerOpts, signer.WithSecret(cfg.SigningSecret))
	}
	sgn, err := signer.New(signerOpts...)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	svc, err := identity.NewService(store, sgn,
		identity.WithPolicy(identity.Policy{
			MaxPasswordAge: cfg.MaxPasswordAge(),
			ReuseWindow:    cfg.PasswordReuseWindow,
		}),
		identity.WithAudiences(cfg.Audiences),
		identity.WithResetTokenTTL(cfg.ResetTokenTTL),
	)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}

	var mailer mail.Sender = mail.LogSender{}
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	}

	api := httpapi.New(httpapi.Options{
		Service:       svc,
		Store:         store,
		Verifier:      sgn,
		Mailer:        mailer,
		Ready:         httpapi.ReadyProbe{DB: db},
		Version:       version,
		ResetLinkBase: cfg.ResetLinkBase,
	})

	handler := api.Handler()
	handler = httpapi.RateLimitPaths(handler, 10, 5, "/connect/token")
	handler = httpapi.CORS(handler, cfg.Frontends)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.Logging(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting ifmis-identity %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
