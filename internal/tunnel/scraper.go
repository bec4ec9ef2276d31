package tunnel

import (
	"regexp"
	"sync"
)

const (
	// scrapeLimit caps the cumulative buffer before it is trimmed.
	scrapeLimit = 64 * 1024
	// scrapeKeep is retained after a trim; it must exceed the longest URL so
	// one split across the trim point is still found.
	scrapeKeep = 512
)

// reservedLabels are hostnames under the suffix that are service endpoints
// mentioned in logs, never an assigned tunnel.
var reservedLabels = map[string]struct{}{
	"api": {},
	"www": {},
}

// Scraper extracts the public URL from a tunnel's free-form output. Output is
// matched against everything seen so far, not just the latest chunk, because
// the tunnel may flush in the middle of a hostname.
//
// The URL is a one-way latch: once assigned it never changes for this
// Scraper. A restarted tunnel gets a new Scraper.
type Scraper struct {
	mu      sync.Mutex
	pattern *regexp.Regexp
	buf     []byte
	url     string
}

// NewScraper matches https://<label>.<suffix> where label is a lowercase
// DNS label.
func NewScraper(suffix string) *Scraper {
	return &Scraper{
		pattern: regexp.MustCompile(`https://([a-z0-9-]+)\.` + regexp.QuoteMeta(suffix)),
	}
}

// Feed appends chunk and reports the URL the first time one is found. Later
// calls, including ones carrying other URLs, return assigned=false.
func (s *Scraper) Feed(chunk []byte) (url string, assigned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.url != "" {
		return s.url, false
	}
	s.buf = append(s.buf, chunk...)

	for _, m := range s.pattern.FindAllSubmatchIndex(s.buf, -1) {
		label := string(s.buf[m[2]:m[3]])
		if _, reserved := reservedLabels[label]; reserved {
			continue
		}
		s.url = string(s.buf[m[0]:m[1]])
		s.buf = nil
		return s.url, true
	}

	if len(s.buf) > scrapeLimit {
		s.buf = append([]byte(nil), s.buf[len(s.buf)-scrapeKeep:]...)
	}
	return "", false
}

// URL returns the assigned URL, if any.
func (s *Scraper) URL() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, s.url != ""
}
