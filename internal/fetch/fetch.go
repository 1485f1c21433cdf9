// Package fetch turns stored article bodies and source pages into plain
// text suitable for a report prompt.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// minExtractedChars is the shortest readability result worth using.
const minExtractedChars = 100

const maxPageBytes = 5 << 20

// ContentFetcher fetches full article text via HTTP + readability extraction.
type ContentFetcher struct {
	client    *http.Client
	userAgent string
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(timeout time.Duration) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ContentFetcher{
		userAgent: "RegBrief/1.0 (regulatory news dashboard)",
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Fetch downloads articleURL and returns its main text. It returns "" with
// no error when the page has no extractable body.
func (f *ContentFetcher) Fetch(ctx context.Context, articleURL string) (string, error) {
	parsedURL, err := url.Parse(articleURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid article url %q", articleURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", articleURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", parsedURL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &HTTPError{Code: resp.StatusCode}
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", parsedURL.Host, err)
	}

	article, err := readability.FromReader(strings.NewReader(string(bodyBytes)), parsedURL)
	if err != nil {
		return "", nil
	}

	text := strings.TrimSpace(article.TextContent)
	if len([]rune(text)) > minExtractedChars {
		return text, nil
	}
	return "", nil
}

// HTTPError is a source page that answered with an error status.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("source returned %d %s", e.Code, http.StatusText(e.Code))
}

// PlainText strips markup from a stored body. Text that is not HTML comes
// back with whitespace collapsed.
func PlainText(body string) string {
	if !strings.Contains(body, "<") {
		return collapse(body)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return collapse(body)
	}
	doc.Find("script, style, noscript").Remove()

	var parts []string
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		parts = append(parts, s.Text())
	})
	if len(parts) == 0 {
		parts = append(parts, doc.Text())
	}
	return collapse(strings.Join(parts, " "))
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
