package extract

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
)

const roundCells = 5

// Investor is one participant of a funding round.
type Investor struct {
	Name string
	// Link is canonical.
	Link string
	Lead bool
}

// Round is one row of a project's funding rounds table.
type Round struct {
	Label              Optional[string]
	Amount             Optional[string]
	FormattedAmount    *float64
	Valuation          Optional[string]
	FormattedValuation *float64
	Date               Optional[string]
	FundedAt           *int64
	Investors          []Investor
}

// Rounds extracts the funding rounds table. found is false when the table is
// not on the page at all, which callers treat as zero rounds.
func Rounds(
	doc *goquery.Document,
	sel Selectors,
	canon *crawler.Canonicalizer,
	ref time.Time,
) (rounds []Round, found bool) {
	rows := doc.Find(sel.RoundsRows)
	if rows.Length() == 0 {
		return nil, false
	}
	rows.Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < roundCells {
			return
		}
		amount := text(cells.Eq(1).Text())
		valuation := text(cells.Eq(2).Text())
		date := text(cells.Eq(3).Text())
		round := Round{
			Label:              text(cells.Eq(0).Text()),
			Amount:             amount,
			FormattedAmount:    crawler.AmountPtr(amount.OrZero()),
			Valuation:          valuation,
			FormattedValuation: crawler.AmountPtr(valuation.OrZero()),
			Date:               date,
			FundedAt:           crawler.DatePtr(date.OrZero(), ref),
		}
		cells.Eq(4).Find("a").Each(func(_ int, a *goquery.Selection) {
			raw := a.Text()
			lead := sel.LeadMarker != "" && strings.Contains(raw, sel.LeadMarker)
			if sel.LeadMarker != "" {
				raw = strings.ReplaceAll(raw, sel.LeadMarker, "")
			}
			name := text(raw).OrZero()
			href, _ := a.Attr("href")
			if name == "" && strings.TrimSpace(href) == "" {
				return
			}
			round.Investors = append(round.Investors, Investor{
				Name: name,
				Link: canon.Canonicalize(href, name),
				Lead: lead,
			})
		})
		rounds = append(rounds, round)
	})
	return rounds, true
}

// Summary is the project panel of a detail page.
type Summary struct {
	Name        Optional[string]
	Logo        Optional[string]
	Description Optional[string]
	SocialLinks map[string]string
	Team        []crawler.TeamMember
}

// Complete reports whether the page yielded a usable detail record: a name, a
// logo and at least one social link.
func (s Summary) Complete() bool {
	return s.Name.Present() && s.Logo.Present() && len(s.SocialLinks) > 0
}

// ExtractSummary reads the summary panel. Relative URLs are resolved against
// origin.
func ExtractSummary(doc *goquery.Document, sel Selectors, origin string) Summary {
	base, _ := url.Parse(origin)
	summary := Summary{
		Name:        text(doc.Find(sel.Name).First().Text()),
		Description: text(doc.Find(sel.Description).First().Text()),
		SocialLinks: map[string]string{},
	}
	if src, ok := doc.Find(sel.Logo).First().Attr("src"); ok {
		summary.Logo = text(resolve(base, src))
	}

	doc.Find(sel.SocialLinks).Each(func(_ int, a *goquery.Selection) {
		label := strings.ToLower(text(a.Find(sel.SocialLabel).First().Text()).OrZero())
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if label == "" || href == "" {
			return
		}
		summary.SocialLinks[label] = resolve(base, href)
	})

	doc.Find(sel.TeamItems).Each(func(_ int, item *goquery.Selection) {
		member := crawler.TeamMember{
			Name:     text(item.Find(sel.TeamName).First().Text()).OrZero(),
			Position: text(item.Find(sel.TeamPosition).First().Text()).OrZero(),
		}
		if src, ok := item.Find(sel.TeamAvatar).First().Attr("src"); ok {
			member.AvatarURL = resolve(base, src)
		}
		profile := item.Find(sel.TeamProfile).First()
		if item.Is(sel.TeamProfile) {
			profile = item
		}
		if href, ok := profile.Attr("href"); ok {
			member.ProfileURL = resolve(base, href)
		}
		if member.Name == "" && member.ProfileURL == "" {
			return
		}
		summary.Team = append(summary.Team, member)
	})
	return summary
}

func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || base == nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
