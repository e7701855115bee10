package oauth

import (
	"context"
	"time"

	"github.com/kbukum/authkit/cleanup"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
)

// refreshWindow is how far ahead of expiry the background refresh
// task renews access tokens for auto_refresh providers.
const refreshWindow = 10 * time.Minute

// refreshBatchSize caps connections touched per refresh run so a slow
// provider cannot pin a cleanup goroutine for long.
const refreshBatchSize = 50

// CleanupTasks returns the subsystem's maintenance tasks: purging
// expired or already-consumed authorization sessions and OAuth 1.0a
// request tokens, and renewing near-expiry access tokens for providers
// with auto_refresh enabled. Completed handshakes are kept briefly for
// replay detection and removed once they are an hour old.
func (s *Service) CleanupTasks() []cleanup.Task {
	return []cleanup.Task{
		{
			Name:       "oauth.authorization_sessions",
			PluginName: PluginName,
			Interval:   15 * time.Minute,
			Enabled:    true,
			Run: func(ctx context.Context, db orm.Orm, _ map[string]any) (cleanup.Result, error) {
				return purgeHandshakes(ctx, db, authSessionsTable, s.now)
			},
		},
		{
			Name:       "oauth.request_tokens",
			PluginName: PluginName,
			Interval:   15 * time.Minute,
			Enabled:    true,
			Run: func(ctx context.Context, db orm.Orm, _ map[string]any) (cleanup.Result, error) {
				return purgeHandshakes(ctx, db, requestTokensTable, s.now)
			},
		},
		{
			Name:       "oauth.token_refresh",
			PluginName: PluginName,
			Interval:   5 * time.Minute,
			Enabled:    true,
			Run: func(ctx context.Context, _ orm.Orm, _ map[string]any) (cleanup.Result, error) {
				return s.refreshExpiring(ctx)
			},
		},
	}
}

// refreshExpiring renews access tokens that expire inside refreshWindow
// for every active auto_refresh provider. Individual refresh failures
// are counted, not fatal: a revoked refresh token must not stop the
// rest of the batch.
func (s *Service) refreshExpiring(ctx context.Context) (cleanup.Result, error) {
	deadline := s.now().UTC().Add(refreshWindow)
	var refreshed, failed int64

	for id, p := range s.cfg.Providers {
		if p.Version != "2.0" || !p.IsActive() || !p.AutoRefresh {
			continue
		}
		rows, err := s.db.FindMany(ctx, connectionsTable, orm.Query{
			Where: orm.Where{
				orm.Eq("provider_id", id),
				orm.NotNull("token_expires_at"),
				orm.Lte("token_expires_at", deadline),
				orm.Ne("refresh_token", ""),
			},
			OrderBy: "token_expires_at",
			Limit:   refreshBatchSize,
		})
		if err != nil {
			return cleanup.Result{Cleaned: refreshed}, err
		}
		for _, row := range rows {
			if _, err := s.RefreshConnection(ctx, row.String("id")); err != nil {
				failed++
				s.log.WithError(err).Warn("background token refresh failed", logger.Fields(
					"provider_id", id,
					"connection_id", row.String("id"),
				))
				continue
			}
			refreshed++
		}
	}

	return cleanup.Result{
		Cleaned: refreshed,
		Counts:  map[string]int64{"refreshed": refreshed, "failed": failed},
	}, nil
}

func purgeHandshakes(ctx context.Context, db orm.Orm, table string, now func() time.Time) (cleanup.Result, error) {
	ts := now().UTC()

	expired, err := db.DeleteMany(ctx, table, orm.Where{orm.Lte("expires_at", ts)})
	if err != nil {
		return cleanup.Result{}, err
	}
	completed, err := db.DeleteMany(ctx, table, orm.Where{
		orm.NotNull("completed_at"),
		orm.Lte("completed_at", ts.Add(-time.Hour)),
	})
	if err != nil {
		return cleanup.Result{Cleaned: expired}, err
	}

	return cleanup.Result{
		Cleaned: expired + completed,
		Counts: map[string]int64{
			"expired":   expired,
			"completed": completed,
		},
	}, nil
}
