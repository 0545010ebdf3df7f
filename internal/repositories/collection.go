// file: internal/repositories/collection.go
package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"livecomments/internal/cache"
	"livecomments/internal/database"
	"livecomments/internal/models"

	"go.uber.org/zap"
)

// Collection holds all repository instances for dependency injection
type Collection struct {
	Comments CommentStore
	Users    UserRepository
	Posts    PostFlags
	Audit    AuditSink
}

// RepositoryConfig holds configuration for repository initialization
type RepositoryConfig struct {
	PreModeration bool
}

// NewCollection creates Postgres-backed repositories
func NewCollection(db *database.Manager, logger *zap.Logger, config *RepositoryConfig) (*Collection, error) {
	if db == nil {
		return nil, fmt.Errorf("database manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &RepositoryConfig{}
	}

	collection := &Collection{
		Comments: NewPostgresCommentStore(db, logger),
		Users:    NewPostgresUserRepository(db, logger),
		Posts:    NewPostgresPostFlags(db, config.PreModeration),
		Audit:    NewPostgresAuditSink(db),
	}

	logger.Info("Repository collection initialized",
		zap.String("backend", "postgres"),
		zap.Bool("pre_moderation", config.PreModeration),
	)
	return collection, nil
}

// NewMemoryCollection creates process-local repositories
func NewMemoryCollection(config *RepositoryConfig) *Collection {
	if config == nil {
		config = &RepositoryConfig{}
	}
	return &Collection{
		Comments: NewMemoryCommentStore(),
		Users:    NewMemoryUserRepository(),
		Posts:    NewMemoryPostFlags(config.PreModeration),
		Audit:    NewMemoryAuditSink(),
	}
}

// ===============================
// CACHED USER SEARCH
// ===============================

// CachedUserSearch memoizes mention lookups for a short TTL. Cache failures
// fall through to the underlying search.
type CachedUserSearch struct {
	next   UserSearch
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedUserSearch wraps next with c
func NewCachedUserSearch(next UserSearch, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedUserSearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedUserSearch{next: next, cache: c, ttl: ttl, logger: logger}
}

func mentionCacheKey(prefix string, limit int) string {
	return "mentions:" + strconv.Itoa(limit) + ":" + strings.ToLower(prefix)
}

// Search implements UserSearch
func (s *CachedUserSearch) Search(ctx context.Context, prefix string, limit int) ([]models.MentionCandidate, error) {
	key := mentionCacheKey(prefix, limit)

	if raw, ok := s.cache.Get(ctx, key); ok {
		var cached []models.MentionCandidate
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		s.logger.Warn("Discarding undecodable mention cache entry", zap.String("key", key))
	}

	candidates, err := s.next.Search(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(candidates); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.Warn("Failed to cache mention candidates",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	return candidates, nil
}
