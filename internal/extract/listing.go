package extract

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/fundraising-crawler/internal/crawler"
)

const listingCells = 5

// IsEmptyListing reports whether the listing rendered its "no data" row, which
// marks the page after the last one.
func IsEmptyListing(doc *goquery.Document, sel Selectors) bool {
	return doc.Find(sel.ListingEmpty).Length() > 0
}

// ListingRows extracts the fundraising rows of one listing page. Rows without
// a project anchor (headers, spacers) are skipped.
func ListingRows(
	doc *goquery.Document,
	sel Selectors,
	canon *crawler.Canonicalizer,
	page int,
	ref time.Time,
) []crawler.ListingRow {
	var rows []crawler.ListingRow
	doc.Find(sel.ListingRows).Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("td")
		if cells.Length() < listingCells {
			return
		}
		first := cells.Eq(0)
		anchor := first.Find("a").First()
		name, ok := text(anchor.Text()).Get()
		if !ok {
			return
		}
		href, _ := anchor.Attr("href")
		description := text(strings.Replace(first.Text(), anchor.Text(), "", 1))
		amount := text(cells.Eq(2).Text())
		valuation := text(cells.Eq(3).Text())
		date := text(cells.Eq(4).Text())
		pageNumber := page

		rows = append(rows, crawler.ListingRow{
			ProjectName:        name,
			ProjectLink:        canon.Canonicalize(href, name),
			Description:        description.Ptr(),
			Round:              text(cells.Eq(1).Text()).Ptr(),
			Amount:             amount.Ptr(),
			FormattedAmount:    crawler.AmountPtr(amount.OrZero()),
			Valuation:          valuation.Ptr(),
			FormattedValuation: crawler.AmountPtr(valuation.OrZero()),
			Date:               date.Ptr(),
			FundedAt:           crawler.DatePtr(date.OrZero(), ref),
			OriginalPageNumber: &pageNumber,
		})
	})
	return rows
}
