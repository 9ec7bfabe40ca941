package tagmap

import (
	"sort"
	"strings"

	"github.com/yzzyx/nm-jmap-sync/internal/config"
)

// Automatic tags are owned by maildir flags, not notmuch tag operations.
// FlagsForTags and TagsFromFlags convert between
// the two representations; the engine never calls index.SetTags with an
// automatic tag name, and never bakes a non-automatic tag into a maildir
// flag.

// FlagsForTags derives the maildir info-suffix flags implied by tags'
// automatic-tag members, sorted as the maildir spec requires (D F P R S).
func FlagsForTags(tags []string) string {
	set := toSet(tags)
	var flags []byte
	if set[config.TagDraft] {
		flags = append(flags, 'D')
	}
	if set[config.TagFlagged] {
		flags = append(flags, 'F')
	}
	if set[config.TagPassed] {
		flags = append(flags, 'P')
	}
	if set[config.TagReplied] {
		flags = append(flags, 'R')
	}
	if !set[config.TagUnread] {
		flags = append(flags, 'S')
	}
	return string(flags)
}

// TagsFromFlags is FlagsForTags's inverse: the automatic tags a maildir
// flag suffix implies.
func TagsFromFlags(flags string) []string {
	var tags []string
	if strings.IndexByte(flags, 'D') >= 0 {
		tags = append(tags, config.TagDraft)
	}
	if strings.IndexByte(flags, 'F') >= 0 {
		tags = append(tags, config.TagFlagged)
	}
	if strings.IndexByte(flags, 'P') >= 0 {
		tags = append(tags, config.TagPassed)
	}
	if strings.IndexByte(flags, 'R') >= 0 {
		tags = append(tags, config.TagReplied)
	}
	if strings.IndexByte(flags, 'S') < 0 {
		tags = append(tags, config.TagUnread)
	}
	sort.Strings(tags)
	return tags
}

// IsAutomatic reports whether tag is one of the five index-managed
// automatic tags, which the engine must never pass to index.SetTags.
func IsAutomatic(tag string) bool {
	switch tag {
	case config.TagUnread, config.TagFlagged, config.TagDraft, config.TagPassed, config.TagReplied:
		return true
	default:
		return false
	}
}

func toSet(tags []string) map[string]bool {
	m := make(map[string]bool, len(tags))
	for _, t := range tags {
		m[t] = true
	}
	return m
}
