package crawler

import (
	"fmt"
	"strings"
	"time"
)

// CrawlType is the closed set of crawl operations. Each has one state row.
type CrawlType string

// Crawl types.
const (
	TypeFull    CrawlType = "full"
	TypeQuick   CrawlType = "quick"
	TypeDetail  CrawlType = "detail"
	TypeDetail2 CrawlType = "detail2"
	TypeSpare   CrawlType = "spare"
)

// AllTypes lists every crawl type in display order.
var AllTypes = []CrawlType{TypeFull, TypeQuick, TypeDetail, TypeDetail2, TypeSpare}

// Valid reports whether t is one of the known crawl types.
func (t CrawlType) Valid() bool {
	switch t {
	case TypeFull, TypeQuick, TypeDetail, TypeDetail2, TypeSpare:
		return true
	default:
		return false
	}
}

// QueueKind selects the candidate predicate and ordering for detail crawls.
type QueueKind string

// Queue kinds understood by ProjectRepository.QueryDetailCandidates.
const (
	QueueNone          QueueKind = ""
	QueueInitialDetail QueueKind = "initial"
	QueueSecondary     QueueKind = "secondary"
	QueueRepair        QueueKind = "repair"
	QueueRetryFailed   QueueKind = "retry-failed"
)

// CandidateQuery parameterizes a detail queue selection.
type CandidateQuery struct {
	Kind QueueKind
	// MaxFailures is the inclusive upper bound for initial/secondary queues
	// and the exclusive lower bound for the retry-failed queue.
	MaxFailures int
}

// Policy is the per-type behavior looked up by the orchestrator.
type Policy struct {
	Type       CrawlType
	Listing    bool
	Queue      QueueKind
	NavTimeout time.Duration
	// Threshold feeds CandidateQuery.MaxFailures.
	Threshold int
}

// Thresholds holds the tunable failure counters.
type Thresholds struct {
	Detail       int
	Secondary    int
	RetryFloor   int
	ListingNav   time.Duration
	DetailNav    time.Duration
	SecondaryNav time.Duration
}

// Policies builds the crawl type table.
func Policies(th Thresholds) map[CrawlType]Policy {
	return map[CrawlType]Policy{
		TypeFull:    {Type: TypeFull, Listing: true, NavTimeout: th.ListingNav},
		TypeQuick:   {Type: TypeQuick, Listing: true, NavTimeout: th.ListingNav},
		TypeDetail:  {Type: TypeDetail, Queue: QueueInitialDetail, NavTimeout: th.DetailNav, Threshold: th.Detail},
		TypeDetail2: {Type: TypeDetail2, Queue: QueueSecondary, NavTimeout: th.SecondaryNav, Threshold: th.Secondary},
		TypeSpare:   {Type: TypeSpare, Queue: QueueRepair, NavTimeout: th.DetailNav, Threshold: th.RetryFloor},
	}
}

// QueueFor resolves the queue for a policy, taking the spare mode into account.
func (p Policy) QueueFor(mode SpareMode) QueueKind {
	if p.Type != TypeSpare {
		return p.Queue
	}
	if mode == ModeRetryFailed {
		return QueueRetryFailed
	}
	return QueueRepair
}

// Trigger names an operation as exposed to operators: a crawl type plus the
// spare mode when relevant.
type Trigger struct {
	Type CrawlType
	Mode SpareMode
}

// ParseTrigger maps operator names (full, quick, detail, detail2, repair,
// retry-failed, spare) to a Trigger.
func ParseTrigger(name string) (Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "full":
		return Trigger{Type: TypeFull}, nil
	case "quick":
		return Trigger{Type: TypeQuick}, nil
	case "detail":
		return Trigger{Type: TypeDetail}, nil
	case "detail2", "secondary":
		return Trigger{Type: TypeDetail2}, nil
	case "repair", "spare":
		return Trigger{Type: TypeSpare, Mode: ModeRepair}, nil
	case "retry-failed", "retry":
		return Trigger{Type: TypeSpare, Mode: ModeRetryFailed}, nil
	default:
		return Trigger{}, fmt.Errorf("%w: %q", ErrUnknownCrawlType, name)
	}
}

func (t Trigger) String() string {
	if t.Type == TypeSpare && t.Mode != "" {
		return string(t.Mode)
	}
	return string(t.Type)
}
