package blogstore

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// Post is a blog document. Enrichment writes the SEO fields; everything else
// is owned by the publishing side.
type Post struct {
	Slug            string    `json:"slug"`
	Title           string    `json:"title"`
	Content         string    `json:"content,omitempty"`
	Names           []string  `json:"names,omitempty"`
	MetaDescription string    `json:"meta_description,omitempty"`
	Keywords        string    `json:"keywords,omitempty"`
	EnrichedAt      string    `json:"enriched_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// NeedsEnrichment reports whether the post is missing its SEO metadata.
func (p Post) NeedsEnrichment() bool {
	return p.MetaDescription == ""
}

// GetPost retrieves a post by slug. Returns nil when absent.
func (s *Store) GetPost(ctx context.Context, slug string) (*Post, error) {
	results, err := surrealdb.Query[[]Post](ctx, s.db, `
		SELECT * FROM post WHERE slug = $slug LIMIT 1
	`, map[string]any{"slug": slug})
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}

	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// ListPosts returns posts ordered by slug, up to limit (0 means no limit).
func (s *Store) ListPosts(ctx context.Context, limit int) ([]Post, error) {
	sql := `SELECT * FROM post ORDER BY slug`
	vars := map[string]any{}
	if limit > 0 {
		sql += ` LIMIT $limit`
		vars["limit"] = limit
	}

	results, err := surrealdb.Query[[]Post](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	if results == nil || len(*results) == 0 {
		return []Post{}, nil
	}
	return (*results)[0].Result, nil
}

// UpsertPost creates or replaces a post keyed by slug.
func (s *Store) UpsertPost(ctx context.Context, post *Post) error {
	_, err := surrealdb.Query[any](ctx, s.db, `
		UPSERT post SET
			slug = $slug,
			title = $title,
			content = $content,
			names = $names,
			meta_description = $meta,
			keywords = $keywords,
			updated_at = time::now()
		WHERE slug = $slug
	`, map[string]any{
		"slug":     post.Slug,
		"title":    post.Title,
		"content":  post.Content,
		"names":    post.Names,
		"meta":     post.MetaDescription,
		"keywords": post.Keywords,
	})
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", post.Slug, err)
	}
	return nil
}

// UpdateFields merges partial fields into the post with the given slug. This
// is the pipeline's document-store write: idempotent per-field overwrite,
// equivalent to a shard flush for checkpointing purposes.
func (s *Store) UpdateFields(ctx context.Context, slug string, fields map[string]any) error {
	setClauses := "updated_at = time::now()"
	vars := map[string]any{"slug": slug}
	i := 0
	for k, v := range fields {
		param := fmt.Sprintf("f%d", i)
		setClauses += fmt.Sprintf(", %s = $%s", k, param)
		vars[param] = v
		i++
	}

	sql := fmt.Sprintf(`UPDATE post SET %s WHERE slug = $slug`, setClauses)
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("update post %s: %w", slug, err)
	}
	return nil
}
