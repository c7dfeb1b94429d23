package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/objectstore"
	"github.com/sendgate/gateway/pkg/store"
)

// kindPriority orders multi-media sends: audio first, then video, then
// photo, matching the platform's convention that richer media types
// should lead a multi-attachment message.
var kindPriority = map[string]int{"audio": 3, "video": 2, "photo": 1, "document": 0}

// KindRank reports the ordering weight for a media kind; higher sorts
// first in a multi-media send.
func KindRank(kind string) int { return kindPriority[kind] }

// Manager ties the object store, the media/media_cache tables, and the
// warm-up pool together behind the API the send path actually calls:
// Save on ingest, Resolve before every send.
type Manager struct {
	store        *store.Store
	objects      *objectstore.Client
	pool         *Pool
	downloadLRU  *lru.LRU[string, []byte]
}

// NewManager builds a Manager with its own bounded local download cache
// (separate from the warm-up pool's in-flight dedup — this one caches
// raw bytes fetched from the object store so repeated warm-up retries
// for the same blob don't re-download it).
func NewManager(st *store.Store, objects *objectstore.Client, pool *Pool, cfg *config.MediaConfig) *Manager {
	if cfg == nil {
		cfg = config.DefaultMediaConfig()
	}
	return &Manager{
		store:       st,
		objects:     objects,
		pool:        pool,
		downloadLRU: lru.NewLRU[string, []byte](cfg.DownloadCacheSize, nil, cfg.DownloadCacheTTL),
	}
}

// Save content-addresses a blob, uploads it to the object store if not
// already present, and records it plus a "warming" cache row. Returns the
// sha256 hex digest callers use as the blob's handle from then on.
func (m *Manager) Save(ctx context.Context, tenantSlug, kind string, data []byte, mime, ext string) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	if _, err := m.store.GetMediaObject(ctx, tenantSlug, digest, kind); err == nil {
		return digest, nil // already stored, nothing to upload
	}

	key := objectstore.Key(tenantSlug, kind, digest, ext)
	etag, err := m.objects.Upload(ctx, key, data, mime)
	if err != nil {
		return "", fmt.Errorf("media: upload: %w", err)
	}

	err = m.store.UpsertMediaObject(ctx, &store.MediaObject{
		TenantSlug: tenantSlug,
		SHA256:     digest,
		Kind:       kind,
		R2Key:      key,
		ETag:       etag,
		Bytes:      int64(len(data)),
		Mime:       mime,
	})
	if err != nil {
		return "", fmt.Errorf("media: record object: %w", err)
	}

	m.downloadLRU.Add(digest, data)
	return digest, nil
}

// Resolution is what the send path needs to know before building a
// delivery: either a ready remote handle, or a signal that warm-up has
// been (re-)enqueued and this delivery should skip the media.
type Resolution struct {
	Ready        bool
	RemoteFileID string
}

// Resolve checks cache readiness for a blob. On a miss it enqueues (or
// re-enqueues) a warm-up request and returns Ready=false so the caller
// can skip this media for the current delivery rather than blocking on
// it.
func (m *Manager) Resolve(ctx context.Context, tenantSlug, sha256Hex, kind, stagingChatID string, priority int) (Resolution, error) {
	entry, err := m.store.GetMediaCache(ctx, tenantSlug, sha256Hex, kind)
	if err != nil {
		return Resolution{}, fmt.Errorf("media: resolve: %w", err)
	}

	if entry.Status == "ready" && entry.RemoteFileID.Valid {
		return Resolution{Ready: true, RemoteFileID: entry.RemoteFileID.String}, nil
	}

	m.pool.Enqueue(&Request{
		TenantSlug:    tenantSlug,
		SHA256:        sha256Hex,
		Kind:          kind,
		StagingChatID: stagingChatID,
		Priority:      priority,
		Fetch:         func(ctx context.Context) ([]byte, string, error) { return m.fetch(ctx, tenantSlug, sha256Hex, kind) },
	})
	return Resolution{Ready: false}, nil
}

func (m *Manager) fetch(ctx context.Context, tenantSlug, sha256Hex, kind string) ([]byte, string, error) {
	if data, ok := m.downloadLRU.Get(sha256Hex); ok {
		obj, err := m.store.GetMediaObject(ctx, tenantSlug, sha256Hex, kind)
		if err != nil {
			return nil, "", err
		}
		return data, obj.Mime, nil
	}

	obj, err := m.store.GetMediaObject(ctx, tenantSlug, sha256Hex, kind)
	if err != nil {
		return nil, "", fmt.Errorf("media: lookup object: %w", err)
	}
	data, err := m.objects.Download(ctx, obj.R2Key)
	if err != nil {
		return nil, "", fmt.Errorf("media: download: %w", err)
	}
	m.downloadLRU.Add(sha256Hex, data)
	return data, obj.Mime, nil
}

// MarkReady/MarkError are called by the warmer implementation once a
// staging send completes.
func (m *Manager) MarkReady(ctx context.Context, tenantSlug, sha256Hex, kind, remoteFileID, stagingChatID, stagingMessageID string) error {
	return m.store.MarkMediaReady(ctx, tenantSlug, sha256Hex, kind, remoteFileID, stagingChatID, stagingMessageID)
}

func (m *Manager) MarkError(ctx context.Context, tenantSlug, sha256Hex, kind, lastErr string) error {
	return m.store.MarkMediaError(ctx, tenantSlug, sha256Hex, kind, lastErr)
}
