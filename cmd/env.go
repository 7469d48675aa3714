package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/expert-tracker/internal/extract"
	"github.com/sells-group/expert-tracker/internal/match"
	"github.com/sells-group/expert-tracker/internal/recon"
	"github.com/sells-group/expert-tracker/internal/screen"
	"github.com/sells-group/expert-tracker/internal/store"
	anthropicpkg "github.com/sells-group/expert-tracker/pkg/anthropic"
)

// appEnv holds the initialized store and engines shared by the ingest,
// screen, scan, and serve commands.
type appEnv struct {
	Store     store.Store
	Recon     *recon.Engine
	Screening *screen.Engine
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.New(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv sets up the store and both LLM-backed engines. Callers should
// defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	thresholds := match.Thresholds{
		AutoMerge: cfg.Matcher.AutoMergeThreshold,
		Review:    cfg.Matcher.ReviewThreshold,
	}

	extractor := extract.New(anthropicClient, cfg.Anthropic)

	return &appEnv{
		Store:     st,
		Recon:     recon.New(st, extractor, thresholds),
		Screening: screen.New(st, anthropicClient, cfg.Anthropic, cfg.Screening),
	}, nil
}
