package tunnel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScraper_Feed(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "single chunk",
			chunks: []string{"INF |  https://quiet-river-42.trycloudflare.com  |\n"},
			want:   "https://quiet-river-42.trycloudflare.com",
		},
		{
			name:   "split inside the suffix",
			chunks: []string{"visit https://abc-1.trycloud", "flare.com now"},
			want:   "https://abc-1.trycloudflare.com",
		},
		{
			name:   "split inside the label",
			chunks: []string{"found url https://abcd-12", "34.trycloudflare.com for you"},
			want:   "https://abcd-1234.trycloudflare.com",
		},
		{
			name:   "byte at a time",
			chunks: strings.Split("x https://a.trycloudflare.com y", ""),
			want:   "https://a.trycloudflare.com",
		},
		{
			name:   "service endpoint is skipped",
			chunks: []string{"POST https://api.trycloudflare.com/tunnel\n", "https://real-one.trycloudflare.com\n"},
			want:   "https://real-one.trycloudflare.com",
		},
		{
			name:   "uppercase label does not match",
			chunks: []string{"https://ABC.trycloudflare.com"},
			want:   "",
		},
		{
			name:   "other domain",
			chunks: []string{"https://abc.example.com"},
			want:   "",
		},
		{
			name:   "http scheme",
			chunks: []string{"http://abc.trycloudflare.com"},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScraper(DefaultSuffix)
			var got string
			assignments := 0
			for _, c := range tt.chunks {
				if url, ok := s.Feed([]byte(c)); ok {
					got = url
					assignments++
				}
			}
			assert.Equal(t, tt.want, got)
			if tt.want != "" {
				assert.Equal(t, 1, assignments)
			}
		})
	}
}

func TestScraper_FirstURLWins(t *testing.T) {
	s := NewScraper(DefaultSuffix)

	url, ok := s.Feed([]byte("https://first.trycloudflare.com\n"))
	assert.True(t, ok)
	assert.Equal(t, "https://first.trycloudflare.com", url)

	url, ok = s.Feed([]byte("https://second.trycloudflare.com\n"))
	assert.False(t, ok)
	assert.Equal(t, "https://first.trycloudflare.com", url)

	got, found := s.URL()
	assert.True(t, found)
	assert.Equal(t, "https://first.trycloudflare.com", got)
}

func TestScraper_CustomSuffix(t *testing.T) {
	s := NewScraper("tunnels.example.net")
	_, ok := s.Feed([]byte("https://abc.trycloudflare.com"))
	assert.False(t, ok)

	url, ok := s.Feed([]byte(" https://abc.tunnels.example.net"))
	assert.True(t, ok)
	assert.Equal(t, "https://abc.tunnels.example.net", url)
}

func TestScraper_SurvivesTrim(t *testing.T) {
	s := NewScraper(DefaultSuffix)
	noise := strings.Repeat("x", scrapeLimit)
	_, ok := s.Feed([]byte(noise + " https://late-"))
	assert.False(t, ok)
	assert.LessOrEqual(t, len(s.buf), scrapeKeep)

	url, ok := s.Feed([]byte("arrival.trycloudflare.com"))
	assert.True(t, ok)
	assert.Equal(t, "https://late-arrival.trycloudflare.com", url)
}
