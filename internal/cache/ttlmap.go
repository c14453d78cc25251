package cache

import (
	"context"
	"sync"
	"time"
)

// 分片数量，固定为2的幂便于取模
const shardCount = 32

// entry 缓存条目
type entry struct {
	value     interface{}
	expiresAt time.Time
}

// shard 单个分片，独立加锁避免全局争用
type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

// TTLMap 分片TTL缓存
// 多个并发分析任务共享访问；清理扫描不阻塞无关key的读写
type TTLMap struct {
	shards [shardCount]*shard
	ttl    time.Duration
}

// NewTTLMap 创建TTL缓存
func NewTTLMap(ttl time.Duration) *TTLMap {
	m := &TTLMap{ttl: ttl}
	for i := range m.shards {
		m.shards[i] = &shard{items: make(map[string]entry)}
	}
	return m
}

// shardFor 按key选择分片（FNV-1a）
func (m *TTLMap) shardFor(key string) *shard {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return m.shards[h&(shardCount-1)]
}

// Set 写入缓存，使用默认TTL
func (m *TTLMap) Set(key string, value interface{}) {
	m.SetWithTTL(key, value, m.ttl)
}

// SetWithTTL 写入缓存并指定TTL
func (m *TTLMap) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
}

// Get 读取缓存，过期条目视为不存在
func (m *TTLMap) Get(key string) (interface{}, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// SetIfAbsent 不存在（或已过期）时写入，返回是否写入成功
// 用于按哈希去重：首个写入者获得处理权
func (m *TTLMap) SetIfAbsent(key string, value interface{}) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && time.Now().Before(e.expiresAt) {
		return false
	}
	s.items[key] = entry{value: value, expiresAt: time.Now().Add(m.ttl)}
	return true
}

// Delete 删除缓存条目
func (m *TTLMap) Delete(key string) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len 当前未过期条目数
func (m *TTLMap) Len() int {
	now := time.Now()
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if now.Before(e.expiresAt) {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}

// Range 遍历未过期条目，回调返回false时提前终止
func (m *TTLMap) Range(fn func(key string, value interface{}) bool) {
	now := time.Now()
	for _, s := range m.shards {
		s.mu.RLock()
		for k, e := range s.items {
			if now.Before(e.expiresAt) {
				if !fn(k, e.value) {
					s.mu.RUnlock()
					return
				}
			}
		}
		s.mu.RUnlock()
	}
}

// Sweep 清理过期条目，返回清理数量
// 逐分片加锁，不会长时间阻塞并发访问
func (m *TTLMap) Sweep() int {
	now := time.Now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if now.After(e.expiresAt) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartSweeper 启动定时清理协程，上下文取消时退出
func (m *TTLMap) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}
