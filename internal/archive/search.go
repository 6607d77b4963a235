package archive

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/halcyonlabs/engram/internal/conversation"
)

const maxFTSTokens = 16

var (
	cjkWordRegex = regexp.MustCompile(`[\p{Han}]{2,}`)
	engWordRegex = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9_\-]{1,}`)
)

// Search ranks archived turns for a query. Depth 0 scores chunk summaries
// only; depth > 0 also scores raw turn content. Results are bm25-ranked,
// summary hits first, capped at topK.
func (a *Archive) Search(sessionID, query string, topK, depth int) ([]Entry, error) {
	if topK <= 0 {
		topK = 3
	}
	matchQuery := buildFTSMatchQuery(extractKeywords(query))
	if matchQuery == "" {
		return nil, nil
	}

	results := make([]Entry, 0, topK)
	seen := make(map[string]struct{})

	summaryHits, err := a.searchChunkSummaries(sessionID, matchQuery, topK)
	if err != nil {
		return nil, err
	}
	for _, e := range summaryHits {
		if _, ok := seen[e.Turn.ID]; ok {
			continue
		}
		seen[e.Turn.ID] = struct{}{}
		results = append(results, e)
	}

	if depth > 0 && len(results) < topK {
		contentHits, err := a.searchEntryContent(sessionID, matchQuery, topK)
		if err != nil {
			return nil, err
		}
		for _, e := range contentHits {
			if _, ok := seen[e.Turn.ID]; ok {
				continue
			}
			seen[e.Turn.ID] = struct{}{}
			results = append(results, e)
		}
	}

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (a *Archive) searchChunkSummaries(sessionID, matchQuery string, limit int) ([]Entry, error) {
	rows, err := a.db.Query(`
		SELECT e.turn_id, e.ts, e.user_input, e.tier1_summary, e.tier2_summary,
		       e.tier3_text, e.required_tier, e.metadata, e.chunk_id, c.summary, e.archived_at
		FROM chunks c
		JOIN chunks_fts f ON c.id = f.rowid
		JOIN entries e ON e.chunk_id = c.id
		WHERE chunks_fts MATCH ?
		  AND c.session_id = ?
		ORDER BY bm25(chunks_fts), e.seq ASC
		LIMIT ?
	`, matchQuery, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("search chunk summaries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (a *Archive) searchEntryContent(sessionID, matchQuery string, limit int) ([]Entry, error) {
	rows, err := a.db.Query(`
		SELECT e.turn_id, e.ts, e.user_input, e.tier1_summary, e.tier2_summary,
		       e.tier3_text, e.required_tier, e.metadata, e.chunk_id, c.summary, e.archived_at
		FROM entries e
		JOIN entries_fts f ON e.id = f.rowid
		JOIN chunks c ON c.id = e.chunk_id
		WHERE entries_fts MATCH ?
		  AND e.session_id = ?
		ORDER BY bm25(entries_fts), e.seq ASC
		LIMIT ?
	`, matchQuery, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("search entry content: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type sqlRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanEntries(rows sqlRows) ([]Entry, error) {
	result := make([]Entry, 0)
	for rows.Next() {
		var (
			e    Entry
			turn conversation.Turn
			ts   string
			meta string
		)
		if err := rows.Scan(&turn.ID, &ts, &turn.UserInput, &turn.Tier1Summary,
			&turn.Tier2Summary, &turn.Tier3Text, &turn.RequiredTier, &meta,
			&e.ChunkID, &e.ChunkSummary, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			turn.Timestamp = parsed
		}
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &turn.Metadata)
		}
		e.Turn = turn
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return result, nil
}

func extractKeywords(query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	keywords := make([]string, 0)
	seen := map[string]struct{}{}
	for _, w := range cjkWordRegex.FindAllString(query, -1) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	for _, w := range engWordRegex.FindAllString(strings.ToLower(query), -1) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	return keywords
}

func buildFTSMatchQuery(tokens []string) string {
	safe := sanitizeFTSTokens(tokens)
	if len(safe) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(safe))
	for _, token := range safe {
		quoted = append(quoted, `"`+token+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func sanitizeFTSTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}

	reserved := map[string]struct{}{
		"and":  {},
		"or":   {},
		"not":  {},
		"near": {},
	}

	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		normalized := normalizeFTSToken(token)
		for _, part := range strings.Fields(normalized) {
			if _, blocked := reserved[part]; blocked {
				continue
			}
			if _, exists := seen[part]; exists {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}

	if len(out) > maxFTSTokens {
		out = out[:maxFTSTokens]
	}
	return out
}

func normalizeFTSToken(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteByte(' ')
	}
	return b.String()
}
