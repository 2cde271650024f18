// Package analysis extracts the pieces of a report that the moderation
// policy acts on: referenced notes and the warning reason.
package analysis

import (
	"regexp"
	"strings"
)

var noteURL = regexp.MustCompile(`https?://([^/\s]+)/notes/([0-9a-zA-Z]+)`)

// NoteIDs returns the note ids linked from comment, in order of appearance
// and without duplicates. When host is not empty only links to that host
// are returned.
func NoteIDs(comment, host string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range noteURL.FindAllStringSubmatch(comment, -1) {
		if host != "" && !strings.EqualFold(m[1], host) {
			continue
		}
		if seen[m[2]] {
			continue
		}
		seen[m[2]] = true
		ids = append(ids, m[2])
	}
	return ids
}

// NoteURLs renders note ids back to links on host.
func NoteURLs(host string, ids []string) []string {
	urls := make([]string, 0, len(ids))
	for _, id := range ids {
		urls = append(urls, "https://"+host+"/notes/"+id)
	}
	return urls
}

// Excerpt shortens a comment for alerts and warnings.
func Excerpt(comment string, max int) string {
	comment = strings.TrimSpace(comment)
	r := []rune(comment)
	if max <= 0 || len(r) <= max {
		return comment
	}
	return string(r[:max]) + "…"
}
