package sqlite

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

var tokenSplit = regexp.MustCompile(`[\W_]+`)

// FindAnnotatedImages lists image items that carry at least one live
// annotation, newest annotation first. A non-empty imageName filters the
// items to those whose name contains every filter token as a
// case-insensitive prefix of one of its own tokens. Items a non-nil visible
// callback rejects are skipped before pagination, so a page never leaks
// entries the caller may not see.
func (s *Store) FindAnnotatedImages(ctx context.Context, imageName string, creatorID string, visible func(*types.Item) bool, opts storage.ListOptions) ([]*types.Item, error) {
	where := []string{"a.active = 1"}
	var args []any
	if creatorID != "" {
		where = append(where, "a.creator_id = ?")
		args = append(args, creatorID)
	}
	stmt := fmt.Sprintf(`
		SELECT i.id, i.name, i.folder_id, i.meta, i.created
		FROM items i
		JOIN annotations a ON a.item_id = i.id
		WHERE %s
		GROUP BY i.id
		ORDER BY MAX(a.updated) DESC, i.id ASC
	`, strings.Join(where, " AND ")) // #nosec G201 - controlled fragments

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotated images: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tokens := filterTokens(imageName)
	var out []*types.Item
	var skipped int64
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if !matchesTokens(item.Name, tokens) {
			continue
		}
		if visible != nil && !visible(item) {
			continue
		}
		// Pagination applies after the name and visibility filters, which
		// cannot run in SQL.
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, item)
		if opts.Limit > 0 && int64(len(out)) >= opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate annotated images: %w", err)
	}
	return out, nil
}

// filterTokens lowercases and splits a search string on non-word characters.
func filterTokens(s string) []string {
	if s == "" {
		return nil
	}
	var tokens []string
	for _, t := range tokenSplit.Split(strings.ToLower(s), -1) {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// matchesTokens reports whether every filter token is a prefix of at least
// one token of the candidate name.
func matchesTokens(name string, tokens []string) bool {
	if len(tokens) == 0 {
		return true
	}
	nameTokens := filterTokens(name)
	for _, want := range tokens {
		found := false
		for _, have := range nameTokens {
			if strings.HasPrefix(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
