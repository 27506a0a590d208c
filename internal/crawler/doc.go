// Package crawler holds the domain model of the fundraising crawler: projects,
// investment edges, crawl state rows, the closed crawl type table, and the
// pure helpers that normalize scraped text (amounts, dates, links).
//
// Nothing in this package performs I/O. Persistence lives behind the store
// interfaces and browser automation behind Browser/Session.
package crawler
