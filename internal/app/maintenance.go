package app

import (
	"context"
	"fmt"

	"tickerd/internal/config"
	"tickerd/internal/meta"
	"tickerd/internal/storage"
	logx "tickerd/pkg/logx"
)

// ClearCooldown is the one-shot maintenance entry behind the -clear-cooldown
// flag: it opens the configured storage, clears the cooldown for one
// (entity, interval) pair and exits. It bypasses the scheduler entirely, so
// run it against a stopped daemon when using the file driver (single writer).
func ClearCooldown(ctx context.Context, cfgPath, entity, interval string) error {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Parse()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	known := false
	for _, iv := range cfg.Intervals {
		if iv == interval {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("interval %q is not configured", interval)
	}

	log := logx.NewConsole(cfg.Logging.Level)

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(stCfg, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = st.Close() }()

	maxErrs, cooldown, err := mapMetaConfig(cfg)
	if err != nil {
		return err
	}
	ms := meta.NewStore(st, maxErrs, cooldown, log)
	state, err := ms.ClearCooldown(ctx, entity, interval)
	if err != nil {
		return err
	}
	log.Info("entity reset",
		logx.String("entity", entity),
		logx.String("interval", interval),
		logx.String("health", string(state.Health)),
		logx.Int("consecutive_errors", state.ConsecutiveErrors),
	)
	return nil
}
