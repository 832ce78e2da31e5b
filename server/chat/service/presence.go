package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"supportdesk/server/chat/domain"
)

const (
	presenceKeyPrefix   = "presence:agent:"
	DefaultPresenceTTL  = 5 * time.Minute
	PresenceOffline     = "offline"
	presenceScanBatches = 100
)

// AgentPresence is the last reported activity state of one agent.
type AgentPresence struct {
	UserID   string          `json:"userId"`
	Status   string          `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	UserInfo domain.UserInfo `json:"userInfo"`
	SocketID string          `json:"socketId,omitempty"`
	LastSeen time.Time       `json:"lastSeen"`
}

// PresenceRegistry records agent activity in redis keys that expire after
// ttl, or in process memory when redis is not configured. An agent whose
// record expired or who reported offline is not listed.
type PresenceRegistry struct {
	redis *redis.Client
	ttl   time.Duration
	clock clockwork.Clock

	mu    sync.Mutex
	local map[string]AgentPresence
}

func NewPresenceRegistry(client *redis.Client, ttl time.Duration, clock clockwork.Clock) *PresenceRegistry {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PresenceRegistry{redis: client, ttl: ttl, clock: clock, local: map[string]AgentPresence{}}
}

func presenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

func (r *PresenceRegistry) Record(ctx context.Context, p AgentPresence) error {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return nil
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = r.clock.Now()
	}
	offline := strings.EqualFold(p.Status, PresenceOffline)

	if r.redis == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if offline {
			delete(r.local, p.UserID)
			return nil
		}
		r.local[p.UserID] = p
		return nil
	}
	if offline {
		return r.redis.Del(ctx, presenceKey(p.UserID)).Err()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.redis.Set(ctx, presenceKey(p.UserID), b, r.ttl).Err()
}

func (r *PresenceRegistry) Get(ctx context.Context, userID string) (AgentPresence, bool, error) {
	if r.redis == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		p, ok := r.local[userID]
		if !ok || r.expired(p) {
			return AgentPresence{}, false, nil
		}
		return p, true, nil
	}
	raw, err := r.redis.Get(ctx, presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return AgentPresence{}, false, nil
	}
	if err != nil {
		return AgentPresence{}, false, err
	}
	var p AgentPresence
	if err := json.Unmarshal(raw, &p); err != nil {
		return AgentPresence{}, false, err
	}
	return p, true, nil
}

// Online lists agents with a live record, most recently seen first.
func (r *PresenceRegistry) Online(ctx context.Context) ([]AgentPresence, error) {
	out := make([]AgentPresence, 0)
	if r.redis == nil {
		r.mu.Lock()
		for id, p := range r.local {
			if r.expired(p) {
				delete(r.local, id)
				continue
			}
			out = append(out, p)
		}
		r.mu.Unlock()
	} else {
		iter := r.redis.Scan(ctx, 0, presenceKeyPrefix+"*", presenceScanBatches).Iterator()
		for iter.Next(ctx) {
			raw, err := r.redis.Get(ctx, iter.Val()).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			var p AgentPresence
			if err := json.Unmarshal(raw, &p); err != nil {
				continue
			}
			out = append(out, p)
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func (r *PresenceRegistry) expired(p AgentPresence) bool {
	return r.clock.Since(p.LastSeen) > r.ttl
}
