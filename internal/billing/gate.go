package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBillBusy is returned when another run already holds the bill.
var ErrBillBusy = errors.New("bill has a transfer in progress")

var errGateLost = errors.New("gate key expired or taken over")

// Gate admits one transfer run per bill at a time.
type Gate interface {
	Acquire(ctx context.Context, billID string) (release func(), err error)
}

// LocalGate gates runs within one process.
type LocalGate struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGate() *LocalGate {
	return &LocalGate{held: make(map[string]struct{})}
}

func (g *LocalGate) Acquire(_ context.Context, billID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[billID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrBillBusy, billID)
	}
	g.held[billID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, billID)
			g.mu.Unlock()
		})
	}, nil
}

var releaseGateScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewGateScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisGate gates runs across replicas with a Redis key per bill. The holder
// renews the key every ttl/3 until it releases it; a crashed holder's key
// expires after ttl.
type RedisGate struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	// OnLost, when set, is told when a held key could not be renewed.
	OnLost func(billID string, err error)
}

func NewRedisGate(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisGate {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "billbridge:gate"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisGate{client: client, prefix: trimmed, ttl: ttl}
}

func (g *RedisGate) key(billID string) string {
	return g.prefix + ":" + billID
}

func (g *RedisGate) Acquire(ctx context.Context, billID string) (func(), error) {
	token := uuid.NewString()
	key := g.key(billID)
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire gate %s: %w", billID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBillBusy, billID)
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		g.renew(renewCtx, billID, key, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-renewed
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseGateScript.Run(ctx, g.client, []string{key}, token).Err()
		})
	}, nil
}

// renew extends the key while ctx is live. It stops once the key is no longer
// ours; transient errors are retried on the next tick.
func (g *RedisGate) renew(ctx context.Context, billID, key, token string) {
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := renewGateScript.Run(ctx, g.client, []string{key}, token, g.ttl.Milliseconds()).Int()
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			if g.OnLost != nil {
				g.OnLost(billID, fmt.Errorf("renew gate %s: %w", billID, err))
			}
		case n == 0:
			if g.OnLost != nil {
				g.OnLost(billID, fmt.Errorf("%w: %s", errGateLost, billID))
			}
			return
		}
	}
}

func (g *RedisGate) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
