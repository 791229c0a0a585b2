package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Persister keeps the session across process restarts.
// Load returns ErrNoSession when nothing has been saved.
type Persister interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, sess Session) error
	Clear(ctx context.Context) error
}

// DefaultKey is the key RedisPersister writes to when none is configured.
const DefaultKey = "chat:session"

// RedisPersister stores the session as a JSON document under a single key.
type RedisPersister struct {
	rdb *redis.Client
	key string
}

func NewRedisPersister(rdb *redis.Client, key string) *RedisPersister {
	if key == "" {
		key = DefaultKey
	}
	return &RedisPersister{rdb: rdb, key: key}
}

func (p *RedisPersister) Load(ctx context.Context) (Session, error) {
	raw, err := p.rdb.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, err
	}
	if !sess.HasToken() {
		return Session{}, ErrNoSession
	}
	return sess, nil
}

func (p *RedisPersister) Save(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return p.rdb.Set(ctx, p.key, raw, 0).Err()
}

func (p *RedisPersister) Clear(ctx context.Context) error {
	return p.rdb.Del(ctx, p.key).Err()
}

// MemoryPersister keeps the session in process memory.
type MemoryPersister struct {
	mu    sync.Mutex
	sess  Session
	saves int
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (p *MemoryPersister) Load(context.Context) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.sess.HasToken() {
		return Session{}, ErrNoSession
	}
	return p.sess, nil
}

func (p *MemoryPersister) Save(_ context.Context, sess Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sess = sess
	p.saves++
	return nil
}

func (p *MemoryPersister) Clear(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sess = Session{}
	return nil
}

// Saves returns how many times Save has been called.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
