// Command gateway runs the outbound messaging gateway: it loads
// configuration, opens the database, wires every domain engine together,
// and serves the HTTP API until a termination signal arrives.
package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/sendgate/gateway/pkg/broadcast"
	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/dispatch"
	"github.com/sendgate/gateway/pkg/downsell"
	"github.com/sendgate/gateway/pkg/heartbeat"
	"github.com/sendgate/gateway/pkg/httpapi"
	"github.com/sendgate/gateway/pkg/media"
	"github.com/sendgate/gateway/pkg/metrics"
	"github.com/sendgate/gateway/pkg/objectstore"
	"github.com/sendgate/gateway/pkg/opsnotify"
	"github.com/sendgate/gateway/pkg/sendqueue"
	"github.com/sendgate/gateway/pkg/store"
	"github.com/sendgate/gateway/pkg/telegram"
	"github.com/sendgate/gateway/pkg/upstream"
	"github.com/sendgate/gateway/pkg/vault"
	"github.com/sendgate/gateway/pkg/version"
	"github.com/sendgate/gateway/pkg/webhook"
)

// storeAudience adapts store.Store.ResolveAudience to broadcast.AudienceResolver.
type storeAudience struct{ st *store.Store }

func (a storeAudience) Resolve(ctx context.Context, tenantSlug, selector string) ([]int64, error) {
	return a.st.ResolveAudience(ctx, tenantSlug, selector)
}

func main() {
	slog.Info("gateway: starting", "version", version.Full())

	env, err := config.Load()
	if err != nil {
		log.Fatalf("gateway: config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.DefaultConfig(env.DatabaseURL))
	if err != nil {
		log.Fatalf("gateway: open store: %v", err)
	}
	defer st.Close()
	slog.Info("gateway: connected to database")

	v, err := vault.New(st, env.EncryptionKeyHex, config.DefaultVaultConfig())
	if err != nil {
		log.Fatalf("gateway: open vault: %v", err)
	}

	upClient := upstream.New(env.UpstreamBaseURL, config.DefaultUpstreamConfig())
	blobClient := upstream.NewBlobClient(env.UpstreamBaseURL, config.DefaultUpstreamConfig())

	objClient := objectstore.New(objectstore.Config{
		AccountID: env.ObjectStoreAccountID,
		AccessKey: env.ObjectStoreAccessKey,
		SecretKey: env.ObjectStoreSecretKey,
		Bucket:    env.ObjectStoreBucket,
		Region:    env.ObjectStoreRegion,
		PublicURL: env.ObjectStorePublicBase,
	}, config.DefaultObjectStoreConfig())

	notifier := opsnotify.New(env.SlackToken, env.SlackChannel)

	sink := metrics.NewSink()
	queue := sendqueue.New(config.DefaultSendQueueConfig(), sink, notifier)

	// The media pool's warmer is the send path's dispatcher, and the two are
	// mutually dependent (the dispatcher needs the media manager, which
	// wraps the pool, to resolve attachments and mark results ready), so
	// the pool is built without a warmer, the manager and dispatcher are
	// built on it, and the dispatcher is wired in as the warmer afterward.
	mediaPool := media.New(config.DefaultMediaConfig(), nil)
	mediaMgr := media.NewManager(st, objClient, mediaPool, config.DefaultMediaConfig())
	disp := dispatch.New(st, v, queue, upClient, blobClient, mediaMgr)
	mediaPool.SetWarmer(disp)

	downsellSvc := downsell.New(config.DefaultDownsellConfig(), st, disp)
	broadcastSvc := broadcast.New(config.DefaultBroadcastConfig(), st, storeAudience{st: st}, disp, notifier)

	parser := telegram.NewParser()
	webhookHandler := webhook.New(st, parser, disp, downsellSvc, env.WebhookSecret)

	heartbeatSvc := heartbeat.New(config.DefaultHeartbeatConfig(), st, upClient, v, notifier)

	queue.Start(ctx)
	mediaPool.Start(ctx)
	downsellSvc.Start(ctx)
	heartbeatSvc.Start(ctx)
	defer func() {
		heartbeatSvc.Stop()
		downsellSvc.Stop()
		mediaPool.Stop()
		queue.Stop()
	}()

	server := httpapi.New(st, v, broadcastSvc, webhookHandler, sink)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx, env.BindAddr) }()

	slog.Info("gateway: listening", "addr", env.BindAddr)

	select {
	case <-ctx.Done():
		slog.Info("gateway: shutdown signal received")
		if err := <-errCh; err != nil {
			slog.Error("gateway: http server shutdown error", "error", err)
		}
	case err := <-errCh:
		if err != nil {
			slog.Error("gateway: http server error", "error", err)
		}
	}

	slog.Info("gateway: shutdown complete")
}
