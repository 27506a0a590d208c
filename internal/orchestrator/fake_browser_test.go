package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
)

const testOrigin = "https://src.test"

// fakeSite serves canned HTML by URL. Unknown URLs fail navigation.
type fakeSite struct {
	mu     sync.Mutex
	pages  map[string]string
	visits map[string]int
	opened int
	closed int
	// gate, when set, holds every navigation until it is closed.
	gate chan struct{}
}

func newFakeSite() *fakeSite {
	return &fakeSite{pages: map[string]string{}, visits: map[string]int{}}
}

func (f *fakeSite) set(url, html string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = html
}

func (f *fakeSite) visitCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visits[url]
}

func (f *fakeSite) sessionCounts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

func (f *fakeSite) NewSession(context.Context) (crawler.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return &fakeSession{site: f}, nil
}

type fakeSession struct {
	site *fakeSite
	html string
}

func (s *fakeSession) Navigate(ctx context.Context, url string, _ time.Duration) error {
	if gate := s.site.gate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.site.mu.Lock()
	defer s.site.mu.Unlock()
	s.site.visits[url]++
	html, ok := s.site.pages[url]
	if !ok {
		return fmt.Errorf("navigate %s: net::ERR_CONNECTION_REFUSED", url)
	}
	s.html = html
	return nil
}

func (s *fakeSession) doc() (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(s.html))
}

func (s *fakeSession) WaitFor(_ context.Context, selector string, _ time.Duration) error {
	ok, err := s.has(selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("waiting for %q: %w", selector, context.DeadlineExceeded)
	}
	return nil
}

func (s *fakeSession) has(selector string) (bool, error) {
	doc, err := s.doc()
	if err != nil {
		return false, err
	}
	return doc.Find(selector).Length() > 0, nil
}

func (s *fakeSession) Interact(_ context.Context, pattern *regexp.Regexp) (int, error) {
	doc, err := s.doc()
	if err != nil {
		return 0, err
	}
	clicks := 0
	doc.Find("button").Each(func(_ int, b *goquery.Selection) {
		if pattern.MatchString(b.Text()) {
			clicks++
		}
	})
	return clicks, nil
}

func (s *fakeSession) Document(context.Context) (*goquery.Document, error) {
	return s.doc()
}

func (s *fakeSession) Close() error {
	s.site.mu.Lock()
	defer s.site.mu.Unlock()
	s.site.closed++
	return nil
}

func listingURL(page int) string {
	return fmt.Sprintf("%s/Fundraising?page=%d", testOrigin, page)
}

func detailURL(name string) string {
	return testOrigin + "/Projects/detail/" + name
}

func listingHTML(names ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="main_container"><table>`)
	b.WriteString(`<tr><th>Project</th><th>Round</th><th>Amount</th><th>Valuation</th><th>Date</th></tr>`)
	for _, name := range names {
		fmt.Fprintf(&b, `<tr><td><a href="/Projects/detail/%s">%s</a> about %s</td>`+
			`<td>Seed</td><td>$1.5 M</td><td>--</td><td>2024-01-02</td></tr>`, name, name, name)
	}
	b.WriteString(`</table></div></body></html>`)
	return b.String()
}

const emptyListingHTML = `<html><body><div class="main_container"><table>
<tr class="b-table-empty-row"><td colspan="5">No data</td></tr>
</table></div></body></html>`

// detailHTML renders a complete detail page; investors become one Seed round
// behind a Rounds control. Without investors the page has no rounds control.
func detailHTML(name string, investors ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><div class="base_info"><img src="/logo/%s.png"><h1>%s</h1>`+
		`<div class="detail_intro">%s builds things</div></div>`, name, name, name)
	b.WriteString(`<button>Expand more</button>`)
	fmt.Fprintf(&b, `<div class="links"><a href="https://x.com/%s"><span>X</span></a></div>`, name)
	if len(investors) > 0 {
		b.WriteString(`<button>Rounds</button>`)
		b.WriteString(`<div class="investor"><table class="watermusk_table">`)
		b.WriteString(`<tr><td>Seed</td><td>$3 M</td><td>--</td><td>2023-05-01</td><td>`)
		for i, inv := range investors {
			marker := ""
			if i == 0 {
				marker = "*"
			}
			fmt.Fprintf(&b, `<a href="/Projects/detail/%s">%s%s</a>`, inv, inv, marker)
		}
		b.WriteString(`</td></tr></table></div>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// incompleteDetailHTML has the marker but no logo or social links.
func incompleteDetailHTML(name string) string {
	return fmt.Sprintf(`<html><body><div class="base_info"><h1>%s</h1></div></body></html>`, name)
}

// roundsPendingHTML is a complete detail page whose rounds table never renders.
func roundsPendingHTML(name string) string {
	return fmt.Sprintf(`<html><body><div class="base_info"><img src="/logo/%s.png"><h1>%s</h1></div>`+
		`<button>Rounds</button><div class="links"><a href="https://x.com/%s"><span>X</span></a></div>`+
		`</body></html>`, name, name, name)
}
