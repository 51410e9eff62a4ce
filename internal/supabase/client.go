package supabase

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/divij2510/MediNote-App-sub001/internal/recording"
)

// Config holds Supabase connection configuration
type Config struct {
	URL           string
	APIKey        string
	PatientsTable string
	SessionsTable string
	// ArchiveBucket is the storage bucket chunk payloads are mirrored to.
	// Archiving is disabled when empty.
	ArchiveBucket string
	CacheTTL      time.Duration // Default: 5 minutes
}

// Client implements the patient directory, the session repository and the
// chunk archive on one Supabase project
type Client struct {
	client *supabase.Client
	config Config
	logger *slog.Logger
	cache  *cache
	now    func() time.Time
}

// cache keeps patients that were found; misses are never cached so a patient
// created after a failed lookup is usable right away
type cache struct {
	mu       sync.RWMutex
	patients map[string]*cacheEntry[*recording.Patient]
	hits     uint64
	misses   uint64
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// CacheStats represents patient cache statistics for monitoring
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// New creates a new Supabase client
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}

	if cfg.PatientsTable == "" {
		cfg.PatientsTable = "patients"
	}
	if cfg.SessionsTable == "" {
		cfg.SessionsTable = "sessions"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		client: client,
		config: cfg,
		logger: logger,
		cache: &cache{
			patients: make(map[string]*cacheEntry[*recording.Patient]),
		},
		now: time.Now,
	}, nil
}

// Close closes the Supabase client
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

// CacheStats returns patient cache statistics
func (c *Client) CacheStats() CacheStats {
	c.cache.mu.RLock()
	defer c.cache.mu.RUnlock()

	return CacheStats{
		Entries: len(c.cache.patients),
		Hits:    c.cache.hits,
		Misses:  c.cache.misses,
	}
}

func (c *Client) getCachedPatient(id string) *recording.Patient {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	if e, ok := c.cache.patients[id]; ok {
		if c.now().Before(e.expiresAt) {
			c.cache.hits++
			return e.value
		}
		delete(c.cache.patients, id)
	}
	c.cache.misses++
	return nil
}

func (c *Client) cachePatient(p *recording.Patient) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	c.cache.patients[p.ID] = &cacheEntry[*recording.Patient]{
		value:     p,
		expiresAt: c.now().Add(c.config.CacheTTL),
	}
}
