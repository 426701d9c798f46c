package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobicyFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/"
     xmlns:job_listing="https://jobicy.com/job_listing/">
  <channel>
    <title>Jobicy</title>
    <item>
      <title>Senior Go Engineer</title>
      <link>https://jobicy.com/jobs/1</link>
      <guid isPermaLink="false">https://jobicy.com/?p=1</guid>
      <description>short</description>
      <content:encoded><![CDATA[<p>long <b>html</b></p>]]></content:encoded>
      <job_listing:company>Acme</job_listing:company>
      <job_listing:location>Remote</job_listing:location>
      <job_listing:job_type>Full-Time</job_listing:job_type>
      <category>Engineering</category>
      <category>Backend</category>
      <pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
    </item>
    <item>
      <title>Data Analyst</title>
      <link>https://jobicy.com/jobs/2</link>
      <guid>https://jobicy.com/?p=2</guid>
    </item>
  </channel>
</rss>`

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example</title>
  <entry>
    <title>Platform Engineer</title>
    <id>urn:uuid:1225c695</id>
    <link rel="alternate" href="https://example.com/jobs/9"/>
    <summary>Run the platform</summary>
    <author><name>Example Corp</name></author>
    <category term="Berlin"/>
    <updated>2024-03-01T10:00:00Z</updated>
  </entry>
</feed>`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestParse(t *testing.T) {
	t.Run("rss items keep document order and extensions", func(t *testing.T) {
		items, err := Parse("https://jobicy.com/feed", []byte(jobicyFeed))
		require.NoError(t, err)
		require.Len(t, items, 2)

		first := items[0]
		assert.Equal(t, "Senior Go Engineer", first.String("title"))
		assert.Equal(t, "https://jobicy.com/?p=1", first.String("guid"))
		assert.Equal(t, "<p>long <b>html</b></p>", first.String("content:encoded"))
		assert.Equal(t, "Acme", first.String("job_listing:company"))
		assert.Equal(t, "Remote", first.String("job_listing:location"))
		assert.Equal(t, []string{"Engineering", "Backend"}, first.Strings("category"))
		assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 +0000", first.String("pubDate"))

		assert.Equal(t, "Data Analyst", items[1].String("title"))
		assert.Equal(t, "https://jobicy.com/?p=2", items[1]["guid"])
	})

	t.Run("guid attributes keep their shape", func(t *testing.T) {
		body := `<rss version="2.0"><channel><item><guid isPermalink="true">https://x.test/1</guid></item></channel></rss>`
		items, err := Parse("https://x.test/feed", []byte(body))
		require.NoError(t, err)
		require.Len(t, items, 1)

		guid, ok := items[0]["guid"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "https://x.test/1", guid["text"])
		assert.Equal(t, "https://x.test/1", items[0].String("guid"))
	})

	t.Run("single item feed yields one element", func(t *testing.T) {
		body := `<rss version="2.0"><channel><item><title>Only</title><link>https://x.test/1</link></item></channel></rss>`
		items, err := Parse("https://x.test/feed", []byte(body))
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "Only", items[0].String("title"))
	})

	t.Run("atom entries map to rss style keys", func(t *testing.T) {
		items, err := Parse("https://example.com/atom", []byte(atomFeed))
		require.NoError(t, err)
		require.Len(t, items, 1)

		entry := items[0]
		assert.Equal(t, "Platform Engineer", entry.String("title"))
		assert.Equal(t, "urn:uuid:1225c695", entry.String("guid"))
		assert.Equal(t, "https://example.com/jobs/9", entry.String("link"))
		assert.Equal(t, "Run the platform", entry.String("description"))
		assert.Equal(t, "Example Corp", entry.String("author"))
		assert.Equal(t, "Berlin", entry.String("category"))
		assert.Equal(t, "2024-03-01T10:00:00Z", entry.String("pubDate"))
	})

	t.Run("foreign root yields no items", func(t *testing.T) {
		items, err := Parse("https://x.test/feed", []byte(`<?xml version="1.0"?><html><body/></html>`))
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("malformed xml is a parse error", func(t *testing.T) {
		_, err := Parse("https://x.test/feed", []byte(`<rss><channel><item><title>broken`))
		require.Error(t, err)
		var parseErr *ParseError
		assert.True(t, errors.As(err, &parseErr))
	})

	t.Run("non xml body is a parse error", func(t *testing.T) {
		_, err := Parse("https://x.test/feed", []byte("not a feed"))
		var parseErr *ParseError
		assert.True(t, errors.As(err, &parseErr))
	})
}

func TestFetcher(t *testing.T) {
	t.Run("fetches and parses", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/rss+xml")
			w.Write([]byte(jobicyFeed))
		}))
		defer server.Close()

		items, err := NewFetcher(time.Second, 0, testLogger()).Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("non 2xx status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		_, err := NewFetcher(time.Second, 0, testLogger()).Fetch(context.Background(), server.URL)
		require.Error(t, err)
		var statusErr *HTTPStatusError
		require.True(t, errors.As(err, &statusErr))
		assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
		assert.Contains(t, err.Error(), "HTTP 500")
	})

	t.Run("timeout cancels the request", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-release:
			}
		}))
		defer server.Close()
		defer close(release)

		start := time.Now()
		_, err := NewFetcher(50*time.Millisecond, 0, testLogger()).Fetch(context.Background(), server.URL)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrFetchTimeout))
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewFetcher(time.Second, 0, testLogger()).Fetch(ctx, server.URL)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrFetchTimeout))
	})

	t.Run("oversized body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(jobicyFeed))
		}))
		defer server.Close()

		_, err := NewFetcher(time.Second, 64, testLogger()).FetchBody(context.Background(), server.URL)
		assert.True(t, errors.Is(err, ErrBodyTooLarge))
	})
}

func TestRawItemAccessors(t *testing.T) {
	item := RawItem{
		"guid":     map[string]any{"text": "abc", "attributes": map[string]any{"isPermaLink": "false"}},
		"category": []any{"Remote", "Full-Time"},
		"title":    "  ",
		"link":     "https://x.test/1",
	}

	assert.Equal(t, "abc", item.String("guid"))
	assert.Equal(t, "Remote", item.String("category"))
	assert.Equal(t, []string{"Remote", "Full-Time"}, item.Strings("category"))
	assert.Equal(t, "https://x.test/1", item.First("title", "link"))
	assert.Equal(t, "", item.String("missing"))
	assert.Nil(t, item.Strings("missing"))
}
