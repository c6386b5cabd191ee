package fetch

import (
	"errors"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// NotFoundCache 按规范化 Key 记住近期返回 404/410 的资源，ttl 内 Recall 直接给出同一个 StatusError。
// 调用方应在申请回源许可之前查询，列表反复滚动到同一张缺失图片时不会占用许可。
type NotFoundCache struct {
	cache *ttlcache.Cache[string, *StatusError]
}

// NewNotFoundCache returns nil when ttl <= 0, which disables the cooldown.
func NewNotFoundCache(ttl time.Duration) *NotFoundCache {
	if ttl <= 0 {
		return nil
	}
	cache := ttlcache.New[string, *StatusError](
		ttlcache.WithTTL[string, *StatusError](ttl),
		ttlcache.WithDisableTouchOnHit[string, *StatusError](),
	)
	go cache.Start()
	return &NotFoundCache{cache: cache}
}

// Recall returns the remembered miss for key, or nil.
func (n *NotFoundCache) Recall(key string) error {
	if item := n.cache.Get(key); item != nil {
		return item.Value()
	}
	return nil
}

// Remember 仅记录 404/410，其它错误忽略。
func (n *NotFoundCache) Remember(key string, err error) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && isMissingStatus(statusErr.Status) {
		n.cache.Set(key, statusErr, ttlcache.DefaultTTL)
	}
}

// Forget drops a remembered miss so the next lookup goes upstream again.
func (n *NotFoundCache) Forget(key string) {
	n.cache.Delete(key)
}

// Len returns the number of remembered misses.
func (n *NotFoundCache) Len() int {
	return n.cache.Len()
}

// Stop 停止后台过期清理。
func (n *NotFoundCache) Stop() {
	n.cache.Stop()
}

func isMissingStatus(status int) bool {
	return status == http.StatusNotFound || status == http.StatusGone
}
