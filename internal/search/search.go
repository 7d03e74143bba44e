// Package search provides full-text indexing and querying over messages,
// users, guilds, and channels via a Meilisearch instance.
package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meilisearch/meilisearch-go"
)

// Index names. Each corresponds to one Meilisearch index with "id" as its
// primary key.
const (
	IndexMessages = "messages"
	IndexUsers    = "users"
	IndexGuilds   = "guilds"
	IndexChannels = "channels"
)

// MessageDoc is the document shape indexed into IndexMessages.
type MessageDoc struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	AuthorID  string `json:"author_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// UserDoc is the document shape indexed into IndexUsers.
type UserDoc struct {
	ID          string  `json:"id"`
	InstanceID  string  `json:"instance_id,omitempty"`
	Username    string  `json:"username"`
	DisplayName *string `json:"display_name,omitempty"`
}

// GuildDoc is the document shape indexed into IndexGuilds.
type GuildDoc struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count"`
}

// ChannelDoc is the document shape indexed into IndexChannels.
type ChannelDoc struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id,omitempty"`
	Name    string `json:"name"`
	Topic   string `json:"topic,omitempty"`
}

// SearchRequest describes a query against one index.
type SearchRequest struct {
	Query  string
	Index  string
	Limit  int
	Offset  int
	Filters string
}

// SearchResult is the normalized response returned from Search.
type SearchResult struct {
	IDs              []string `json:"ids"`
	EstimatedTotal   int64    `json:"estimated_total"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}

// documentOptions configures how documents are (re)indexed. Kept distinct
// from meilisearch.IndexConfig because AddDocuments/UpdateDocuments take the
// primary key as a variadic string, not a config struct.
type documentOptions struct {
	PrimaryKey *string
}

// docOpts returns the shared primary-key configuration used by every index
// this package manages.
func docOpts() *documentOptions {
	pk := "id"
	return &documentOptions{PrimaryKey: &pk}
}

// Config bundles Service's construction parameters.
type Config struct {
	URL    string
	APIKey string
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// Service wraps a Meilisearch client and the index manager for each of the
// four indexes this package maintains.
type Service struct {
	client meilisearch.ServiceManager
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New constructs a Service and verifies connectivity to Meilisearch.
func New(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := meilisearch.New(cfg.URL, meilisearch.WithAPIKey(cfg.APIKey))
	if _, err := client.Health(); err != nil {
		return nil, fmt.Errorf("connecting to meilisearch at %s: %w", cfg.URL, err)
	}

	return &Service{client: client, pool: cfg.Pool, logger: logger}, nil
}

// HealthCheck reports whether the Meilisearch instance is reachable.
func (s *Service) HealthCheck() error {
	if _, err := s.client.Health(); err != nil {
		return fmt.Errorf("meilisearch health check: %w", err)
	}
	return nil
}

// EnsureIndexes creates the four managed indexes if they do not already
// exist, each keyed on "id".
func (s *Service) EnsureIndexes(ctx context.Context) error {
	opts := docOpts()
	for _, uid := range []string{IndexMessages, IndexUsers, IndexGuilds, IndexChannels} {
		_, err := s.client.CreateIndex(&meilisearch.IndexConfig{
			Uid:        uid,
			PrimaryKey: *opts.PrimaryKey,
		})
		if err != nil {
			return fmt.Errorf("ensuring index %s: %w", uid, err)
		}
	}
	return nil
}

// IndexMessage upserts a message document.
func (s *Service) IndexMessage(ctx context.Context, doc MessageDoc) error {
	opts := docOpts()
	_, err := s.client.Index(IndexMessages).UpdateDocuments([]MessageDoc{doc}, opts.PrimaryKey)
	if err != nil {
		return fmt.Errorf("indexing message %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteMessage removes a message document from the index. Used by the
// legacy retention-policy sweep and by moderation deletes alike.
func (s *Service) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.client.Index(IndexMessages).DeleteDocument(id)
	if err != nil {
		return fmt.Errorf("deleting message %s from index: %w", id, err)
	}
	return nil
}

// IndexUser upserts a user document.
func (s *Service) IndexUser(ctx context.Context, doc UserDoc) error {
	opts := docOpts()
	_, err := s.client.Index(IndexUsers).UpdateDocuments([]UserDoc{doc}, opts.PrimaryKey)
	if err != nil {
		return fmt.Errorf("indexing user %s: %w", doc.ID, err)
	}
	return nil
}

// IndexGuild upserts a guild document.
func (s *Service) IndexGuild(ctx context.Context, doc GuildDoc) error {
	opts := docOpts()
	_, err := s.client.Index(IndexGuilds).UpdateDocuments([]GuildDoc{doc}, opts.PrimaryKey)
	if err != nil {
		return fmt.Errorf("indexing guild %s: %w", doc.ID, err)
	}
	return nil
}

// IndexChannel upserts a channel document.
func (s *Service) IndexChannel(ctx context.Context, doc ChannelDoc) error {
	opts := docOpts()
	_, err := s.client.Index(IndexChannels).UpdateDocuments([]ChannelDoc{doc}, opts.PrimaryKey)
	if err != nil {
		return fmt.Errorf("indexing channel %s: %w", doc.ID, err)
	}
	return nil
}

// Search runs req.Query against req.Index and normalizes the response.
// Limit defaults to 20 when unset or outside [1, 100].
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	searchReq := &meilisearch.SearchRequest{
		Limit:  int64(limit),
		Offset: int64(req.Offset),
	}
	if req.Filters != "" {
		searchReq.Filter = req.Filters
	}

	resp, err := s.client.Index(req.Index).Search(req.Query, searchReq)
	if err != nil {
		return SearchResult{}, fmt.Errorf("searching index %s: %w", req.Index, err)
	}

	ids := make([]string, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		m, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := m["id"].(string); ok {
			ids = append(ids, id)
		}
	}

	return SearchResult{
		IDs:              ids,
		EstimatedTotal:   resp.EstimatedTotalHits,
		ProcessingTimeMs: resp.ProcessingTimeMs,
	}, nil
}
