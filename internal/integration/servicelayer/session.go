package servicelayer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// DefaultIdleTimeout is how long a session survives without activity.
const DefaultIdleTimeout = 30 * time.Minute

// Credentials authenticate against one company database.
type Credentials struct {
	CompanyDB string `json:"CompanyDB" validate:"required"`
	UserName  string `json:"UserName" validate:"required"`
	Password  string `json:"Password" validate:"required"`
}

// CredentialProvider resolves the credentials of a company.
type CredentialProvider interface {
	Credentials(ctx context.Context, companyID string) (Credentials, error)
}

// StaticCredentials serves credentials from configuration. Companies without an
// explicit entry use Default with the company id as database name.
type StaticCredentials struct {
	Default    Credentials
	PerCompany map[string]Credentials
}

func (s StaticCredentials) Credentials(_ context.Context, companyID string) (Credentials, error) {
	if creds, ok := s.PerCompany[companyID]; ok {
		return creds, nil
	}
	creds := s.Default
	if creds.CompanyDB == "" {
		creds.CompanyDB = companyID
	}
	if creds.UserName == "" {
		return Credentials{}, shared.NotFoundf("credentials for company %s", companyID)
	}
	return creds, nil
}

// Session is an authenticated service layer session of one company.
type Session struct {
	CompanyID    string    `json:"company_id"`
	ID           string    `json:"session_id"`
	LastActivity time.Time `json:"last_activity"`
}

// Expired reports whether the session was idle for longer than idle.
func (s Session) Expired(now time.Time, idle time.Duration) bool {
	return s.ID == "" || now.Sub(s.LastActivity) > idle
}

// SessionStore keeps sessions per company.
type SessionStore interface {
	Get(ctx context.Context, companyID string) (Session, bool, error)
	Save(ctx context.Context, session Session) error
	Delete(ctx context.Context, companyID string) error
}

// MemorySessionStore keeps sessions in process.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemorySessionStore constructs an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (s *MemorySessionStore) Get(_ context.Context, companyID string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[companyID]
	return session, ok, nil
}

func (s *MemorySessionStore) Save(_ context.Context, session Session) error {
	s.mu.Lock()
	s.sessions[session.CompanyID] = session
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, companyID string) error {
	s.mu.Lock()
	delete(s.sessions, companyID)
	s.mu.Unlock()
	return nil
}

// RedisSessionStore shares sessions between instances. Keys expire after the idle timeout.
type RedisSessionStore struct {
	client *redis.Client
	idle   time.Duration
}

// NewRedisSessionStore wraps a Redis client.
func NewRedisSessionStore(client *redis.Client, idle time.Duration) *RedisSessionStore {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &RedisSessionStore{client: client, idle: idle}
}

func sessionKey(companyID string) string {
	return "servicelayer:session:" + companyID
}

func (s *RedisSessionStore) Get(ctx context.Context, companyID string) (Session, bool, error) {
	raw, err := s.client.Get(ctx, sessionKey(companyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, shared.Transient(err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, false, nil
	}
	return session, true, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, sessionKey(session.CompanyID), raw, s.idle).Err(); err != nil {
		return shared.Transient(err)
	}
	return nil
}

func (s *RedisSessionStore) Delete(ctx context.Context, companyID string) error {
	if err := s.client.Del(ctx, sessionKey(companyID)).Err(); err != nil {
		return shared.Transient(err)
	}
	return nil
}
