package objectstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// signingKeyCache caches the derived AWS SigV4 signing key (kSigning),
// which only depends on (secretKey, date, region, service) and is stable
// for a full UTC day. The object store issues many requests per day per
// tenant-bucket, so re-deriving it on every request would be pure waste.
//
// No AWS/S3-compatible SDK's signer exposes this intermediate key for
// external caching — the SDKs re-derive it per request — so this is
// hand-rolled with crypto/hmac+crypto/sha256 rather than grounded on a
// library.
type signingKeyCache struct {
	cache *lru.LRU[string, []byte]
}

func newSigningKeyCache(ttl time.Duration) *signingKeyCache {
	return &signingKeyCache{cache: lru.NewLRU[string, []byte](16, nil, ttl)}
}

func (c *signingKeyCache) derive(secretKey, dateStamp, region, service string) []byte {
	key := dateStamp + "/" + region + "/" + service
	if k, ok := c.cache.Get(key); ok {
		return k
	}
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	c.cache.Add(key, kSigning)
	return kSigning
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
