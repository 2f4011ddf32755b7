// Command keyctl bootstraps a tenant and prints a fresh API key for it.
//
//	keyctl -tenant acme -name ci -scopes read,write,admin
//
// The raw key goes to stdout and is not recoverable afterwards.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/tabflow/internal/apikey"
	"github.com/kiranshivaraju/tabflow/internal/config"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

type options struct {
	databaseURL   string
	migrationsDir string
	tenant        string
	keyName       string
	scopes        []string
	cost          int
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		slog.Error("keyctl failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var (
		opts   options
		scopes string
	)
	fs := flag.NewFlagSet("keyctl", flag.ContinueOnError)
	fs.StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection URL")
	fs.StringVar(&opts.migrationsDir, "migrations", "migrations", "migrations directory; empty skips migrating")
	fs.StringVar(&opts.tenant, "tenant", store.DefaultTenantName, "tenant name, created if missing")
	fs.StringVar(&opts.keyName, "name", "bootstrap", "API key name")
	fs.StringVar(&scopes, "scopes", "read,write,admin", "comma-separated scopes")
	fs.IntVar(&opts.cost, "bcrypt-cost", bcrypt.DefaultCost, "bcrypt cost")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.databaseURL == "" {
		return opts, errors.New("DATABASE_URL or -database-url is required")
	}
	opts.tenant = strings.TrimSpace(opts.tenant)
	if opts.tenant == "" {
		return opts, errors.New("-tenant must not be empty")
	}
	normalized, err := apikey.NormalizeScopes(strings.Split(scopes, ","))
	if err != nil {
		return opts, fmt.Errorf("-scopes: %w", err)
	}
	opts.scopes = normalized
	return opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	pool, err := store.Connect(ctx, config.DatabaseConfig{
		URL:             opts.databaseURL,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if opts.migrationsDir != "" {
		if err := store.RunMigrations(opts.databaseURL, opts.migrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	tenant, raw, err := bootstrap(ctx, store.NewPostgresStore(pool), opts)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "tenant_id=%s\napi_key=%s\n", tenant.ID, raw)
	return err
}

// bootstrap finds or creates the tenant and stores a new key for it.
func bootstrap(ctx context.Context, st store.Store, opts options) (*models.Tenant, string, error) {
	tenant, err := ensureTenant(ctx, st, opts.tenant)
	if err != nil {
		return nil, "", err
	}

	generated, err := apikey.Generate(opts.cost)
	if err != nil {
		return nil, "", err
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		Name:      opts.keyName,
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
		Scopes:    opts.scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("create api key: %w", err)
	}
	slog.Info("api key created", "tenant", tenant.Name, "tenant_id", tenant.ID,
		"key_prefix", key.KeyPrefix, "scopes", key.Scopes)
	return tenant, generated.Raw, nil
}

func ensureTenant(ctx context.Context, st store.Store, name string) (*models.Tenant, error) {
	var (
		tenant *models.Tenant
		err    error
	)
	if name == store.DefaultTenantName {
		tenant, err = st.GetDefaultTenant(ctx)
	} else {
		tenant, err = st.GetTenantByName(ctx, name)
	}
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up tenant: %w", err)
	}

	now := time.Now().UTC()
	tenant = &models.Tenant{ID: uuid.New(), Name: name, CreatedAt: now, UpdatedAt: now}
	if err := st.CreateTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("create tenant: %w", err)
	}
	slog.Info("tenant created", "tenant", name, "tenant_id", tenant.ID)
	return tenant, nil
}
