package shortener

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/metrics"
	"notification-pipeline/internal/common/validation"
)

var slotRe = regexp.MustCompile(`\{\{\s*link([1-9][0-9]*)\s*\}\}`)

// urlEscaper percent-encodes the characters that could open template syntax
// or break out of an HTML attribute once the URL is spliced into a body.
var urlEscaper = strings.NewReplacer(
	"{", "%7B",
	"}", "%7D",
	"<", "%3C",
	">", "%3E",
	`"`, "%22",
	"'", "%27",
	"`", "%60",
	" ", "%20",
)

// Substitutor fills positional link slots. It never fails: a URL that
// cannot be shortened is used as given.
type Substitutor struct {
	shortener Shortener
	log       logger.Logger
}

// NewSubstitutor accepts a nil shortener, in which case URLs are inserted
// unshortened.
func NewSubstitutor(s Shortener, log logger.Logger) *Substitutor {
	return &Substitutor{
		shortener: s,
		log:       log.WithFields(map[string]interface{}{"component": "link_substitutor"}),
	}
}

// Substitute replaces {{linkN}} with the shortened form of urls[N-1].
// Slots without a URL are left for the renderer, which prints them empty.
func (s *Substitutor) Substitute(ctx context.Context, body string, urls []string) string {
	if len(urls) == 0 || !slotRe.MatchString(body) {
		return body
	}

	resolved := make(map[int]string, len(urls))
	for i, u := range urls {
		resolved[i+1] = urlEscaper.Replace(s.resolve(ctx, u))
	}

	return slotRe.ReplaceAllStringFunc(body, func(slot string) string {
		n, err := strconv.Atoi(slotRe.FindStringSubmatch(slot)[1])
		if err != nil {
			return slot
		}
		if u, ok := resolved[n]; ok {
			return u
		}
		return slot
	})
}

func (s *Substitutor) resolve(ctx context.Context, u string) string {
	if s.shortener == nil || !validation.ValidateURL(u) {
		return u
	}

	short, err := s.shortener.Shorten(ctx, u)
	if err != nil {
		metrics.ShortenerLookups.WithLabelValues("fallback").Inc()
		s.log.Warn("url shortening failed, using original url", map[string]interface{}{
			"url":   u,
			"error": err,
		})
		return u
	}
	return short
}

// LinksFromPayload reads payload["links"] as an ordered list of URLs.
func LinksFromPayload(payload map[string]interface{}) []string {
	raw, ok := payload["links"]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		links := make([]string, 0, len(v))
		for _, item := range v {
			links = append(links, fmt.Sprint(item))
		}
		return links
	case string:
		return []string{v}
	default:
		return nil
	}
}
