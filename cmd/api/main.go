package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/event"
	"escrowflow/platform"
	"escrowflow/registry"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.WithError(err).Fatal("bootstrap database pool")
	}
	defer pool.Close()

	migrationsDir := envOr("MIGRATIONS_DIR", "migrations")
	if err := db.ApplyMigrations(ctx, pool, migrationsDir); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, jwtSecret)

	ledger := escrow.NewLedger()
	outbox := event.NewOutbox()
	timeline := event.NewTimeline()

	platformRepo := platform.NewRepository(pool)
	platformSvc := platform.NewService(pool, platformRepo, ledger, outbox)

	admin, err := ensureAdmin(ctx, log, authRepo)
	if err != nil {
		log.WithError(err).Fatal("ensure admin user")
	}

	feePercent := envIntOr("PLATFORM_FEE_PERCENT", 5)
	cfg, err := platformSvc.Bootstrap(ctx, admin.ID, feePercent)
	if err != nil {
		log.WithError(err).Fatal("bootstrap platform config")
	}
	log.WithFields(logrus.Fields{
		"admin_account":  cfg.AdminAccount,
		"escrow_account": cfg.EscrowAccount,
		"fee_percent":    cfg.FeePercent,
	}).Info("platform ready")

	judgeRepo := registry.NewRepository(pool)
	judgeSvc := registry.NewService(pool, judgeRepo, outbox)

	disputeSvc := dispute.NewService(pool, dispute.NewStore(pool), ledger, judgeRepo, platformRepo, timeline, outbox)

	server := &Server{
		log:             log,
		authService:     authSvc,
		disputeService:  disputeSvc,
		judgeService:    judgeSvc,
		platformService: platformSvc,
		escrowReader:    ledgerReader{pool: pool, ledger: ledger},
	}

	addr := ":" + envOr("PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("addr", addr).Info("escrowflow api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("http server")
	}
}

// ensureAdmin creates the administrator identity on first start. The admin's
// user id becomes the platform admin account and cannot change afterwards,
// so re-runs just look the existing user up.
func ensureAdmin(ctx context.Context, log *logrus.Logger, repo auth.Repository) (auth.User, error) {
	email := envOr("ADMIN_EMAIL", "admin@escrowflow.local")
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		return auth.User{}, errors.New("ADMIN_PASSWORD is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return auth.User{}, err
	}

	user, err := repo.CreateUser(ctx, auth.CreateUserParams{
		Email:        email,
		FullName:     "Platform Administrator",
		PasswordHash: string(hash),
		Role:         auth.RoleAdmin,
	})
	if errors.Is(err, auth.ErrDuplicateEmail) {
		return repo.GetUserByEmail(ctx, email)
	}
	if err != nil {
		return auth.User{}, err
	}

	log.WithField("email", email).Info("admin user created")
	return user, nil
}

// ledgerReader binds the stateless ledger to the pool for read endpoints.
type ledgerReader struct {
	pool   *pgxpool.Pool
	ledger *escrow.Ledger
}

func (r ledgerReader) Entries(ctx context.Context, disputeID int64) ([]escrow.Entry, error) {
	return r.ledger.Entries(ctx, r.pool, disputeID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
