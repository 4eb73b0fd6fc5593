package notify

import (
	"sync"

	"phonemarket/pkg/models"
)

// Ring 内存中的最近通知，供 HTTP 接口查询
type Ring struct {
	items []models.Notification
	max   int
	mu    sync.RWMutex
}

// NewRing 创建通知缓冲
func NewRing(max int) *Ring {
	if max <= 0 {
		max = 500
	}
	return &Ring{
		items: make([]models.Notification, 0, max),
		max:   max,
	}
}

// Publish 添加通知，超过容量时丢弃最旧的
func (r *Ring) Publish(n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, n)
	if len(r.items) > r.max {
		r.items = r.items[1:]
	}
	return nil
}

// List 分页查询，最新的在前，level 为空时不过滤
func (r *Ring) List(level string, page, pageSize int) ([]models.Notification, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filtered := make([]models.Notification, 0, len(r.items))
	for i := len(r.items) - 1; i >= 0; i-- {
		if level == "" || r.items[i].Level == level {
			filtered = append(filtered, r.items[i])
		}
	}

	total := len(filtered)
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	start := (page - 1) * pageSize
	if start >= total {
		return []models.Notification{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return filtered[start:end], total
}

// Clear 清空
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]models.Notification, 0, r.max)
}

// Close 实现 Sink
func (r *Ring) Close() error { return nil }
