package relay

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/maheshrc27/relayflow/internal/models"
)

const ellipsis = "…"

// Transform renders the text a target platform receives. The per platform
// template replaces the body, prepend and append wrap it, hashtags and the
// attribution line follow. When limit is positive only the body is shortened
// so that added text survives truncation. length measures text the way the
// target counts it; nil counts runes.
func Transform(content *models.IncomingContent, tr models.TaskTransformations, platform string, limit int, length func(string) int) string {
	if length == nil {
		length = utf8.RuneCountInString
	}
	body := strings.TrimSpace(content.Text)
	if tpl := tr.Templates[platform]; tpl != "" {
		body = strings.TrimSpace(expandTemplate(tpl, content))
	}

	var head, tail []string
	if p := strings.TrimSpace(tr.Prepend); p != "" {
		head = append(head, p)
	}
	if a := strings.TrimSpace(tr.Append); a != "" {
		tail = append(tail, a)
	}
	if tags := formatHashtags(tr.Hashtags); tags != "" {
		tail = append(tail, tags)
	}
	if tr.AddAttribution {
		if attr := attribution(content); attr != "" {
			tail = append(tail, attr)
		}
	}
	return assemble(head, body, tail, limit, length)
}

func expandTemplate(tpl string, content *models.IncomingContent) string {
	return strings.NewReplacer(
		"{text}", content.Text,
		"{author}", content.AuthorUsername,
		"{url}", content.URL,
		"{platform}", content.SourcePlatform,
	).Replace(tpl)
}

func formatHashtags(tags []string) string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tag = strings.Join(strings.Fields(strings.TrimLeft(strings.TrimSpace(tag), "#")), "")
		if tag == "" || seen[strings.ToLower(tag)] {
			continue
		}
		seen[strings.ToLower(tag)] = true
		out = append(out, "#"+tag)
	}
	return strings.Join(out, " ")
}

func attribution(content *models.IncomingContent) string {
	if content.AuthorUsername != "" {
		return "via @" + normalizeUsername(content.AuthorUsername)
	}
	if content.SourcePlatform != "" {
		return "via " + content.SourcePlatform
	}
	return ""
}

func assemble(head []string, body string, tail []string, limit int, length func(string) int) string {
	join := func(body string) string {
		parts := make([]string, 0, len(head)+len(tail)+1)
		parts = append(parts, head...)
		if body != "" {
			parts = append(parts, body)
		}
		parts = append(parts, tail...)
		return strings.Join(parts, "\n\n")
	}

	full := join(body)
	if limit <= 0 || length(full) <= limit {
		return full
	}

	// room left for the body once the fixed parts and one separator are in
	fixed := length(join(""))
	if fixed > 0 {
		fixed += length("\n\n")
	}
	if budget := limit - fixed; budget > length(ellipsis) {
		return join(truncate(body, budget, length))
	}
	return truncate(full, limit, length)
}

// Truncate shortens s to at most limit runes, ending with an ellipsis when
// anything was cut.
func Truncate(s string, limit int) string {
	return truncate(s, limit, utf8.RuneCountInString)
}

func truncate(s string, limit int, length func(string) int) string {
	if limit <= 0 || length(s) <= limit {
		return s
	}
	runes := []rune(s)
	if length(ellipsis) >= limit {
		n := sort.Search(len(runes)+1, func(k int) bool {
			return length(string(runes[:k])) > limit
		})
		return string(runes[:n-1])
	}
	cut := func(k int) string {
		return strings.TrimRight(string(runes[:k]), " \n\t") + ellipsis
	}
	n := sort.Search(len(runes)+1, func(k int) bool {
		return length(cut(k)) > limit
	})
	return cut(n - 1)
}
