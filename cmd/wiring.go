// cmd/wiring.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aceteam-ai/greencert/internal/carbon"
	"github.com/aceteam-ai/greencert/internal/config"
	redisclient "github.com/aceteam-ai/greencert/internal/redis"
	"github.com/aceteam-ai/greencert/internal/store"
	"github.com/aceteam-ai/greencert/internal/writeback"
)

// openStore opens the configured certificate store, creating the sqlite
// directory when needed.
func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	sc := cfg.Store()
	if sc.Type != string(store.DialectPostgres) {
		if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	Debug("opening %s store", sc.Type)
	return store.Open(ctx, sc)
}

// newResolver builds the carbon cascade. Providers without credentials are
// skipped and the regional tables answer for them.
func newResolver(cfg config.Config, logFn func(level, msg string)) *carbon.Resolver {
	rc := carbon.ResolverConfig{
		Tables:          &cfg.Tables,
		Timeout:         cfg.Providers.Timeout,
		BreakerFailures: cfg.Providers.BreakerFailures,
		BreakerCooldown: cfg.Providers.BreakerCooldown,
		LogFn:           logFn,
	}
	if wt := cfg.Providers.WattTime; wt.Enabled() {
		rc.Primary = carbon.NewWattTime(carbon.WattTimeConfig{
			BaseURL:  wt.BaseURL,
			Username: wt.Username,
			Password: wt.Password,
			Timeout:  cfg.Providers.Timeout,
		})
		logFn("info", "primary carbon provider: WattTime")
	}
	if em := cfg.Providers.ElectricityMaps; em.Enabled() {
		rc.Secondary = carbon.NewElectricityMaps(carbon.ElectricityMapsConfig{
			BaseURL: em.BaseURL,
			APIKey:  em.APIKey,
			Timeout: cfg.Providers.Timeout,
		})
		logFn("info", "secondary carbon provider: Electricity Maps")
	}
	if rc.Primary == nil && rc.Secondary == nil {
		logFn("warning", "no carbon provider credentials; using regional averages only")
	}
	return carbon.NewResolver(rc)
}

// connectRedis returns nil when Redis is not configured.
func connectRedis(ctx context.Context, cfg config.Config) (*redisclient.Client, error) {
	if cfg.Redis.URL == "" {
		return nil, nil
	}
	client := redisclient.NewClient()
	if err := client.Connect(ctx, cfg.Redis.URL, cfg.Redis.Password); err != nil {
		return nil, err
	}
	return client, nil
}

// failureQueue picks the Redis stream when Redis is up, else the spool file.
func failureQueue(cfg config.Config, rc *redisclient.Client) (writeback.FailureQueue, string, error) {
	if rc != nil {
		return writeback.NewRedisQueue(rc, redisclient.PersistenceDLQ), "redis stream " + redisclient.PersistenceDLQ, nil
	}
	spool, err := writeback.NewSpoolQueue(cfg.Writeback.SpoolPath)
	if err != nil {
		return nil, "", err
	}
	return spool, "spool " + spool.Path(), nil
}
