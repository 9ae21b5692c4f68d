package reconcile

import (
	"fmt"

	"issuesync/internal/canonical"
)

// State is the open/closed state of a tracker issue.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// RemoteIssue is a read-only snapshot of one tracker issue.
type RemoteIssue struct {
	ID     int      `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	State  State    `json:"state"`
}

// Kind tags a plan operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindClose  Kind = "close"
	KindSkip   Kind = "skip"
)

// Skip reasons.
const (
	ReasonUpToDate      = "up to date"
	ReasonAlreadyClosed = "already closed"
	ReasonConflict      = "fingerprint carried by several remote issues"
)

// Op is one tracker operation. Only the fields relevant to Kind are set:
// Create carries Issue; Update carries RemoteID, Title, Body, Labels and
// Reopen; Close carries RemoteID; Skip carries RemoteID and Reason.
type Op struct {
	Kind        Kind                  `json:"kind"`
	RemoteID    int                   `json:"remote_id,omitempty"`
	Fingerprint canonical.Fingerprint `json:"fingerprint,omitempty"`
	Issue       *canonical.Issue      `json:"issue,omitempty"`
	Title       string                `json:"title,omitempty"`
	Body        string                `json:"body,omitempty"`
	Labels      []string              `json:"labels,omitempty"`
	Reopen      bool                  `json:"reopen,omitempty"`
	Reason      string                `json:"reason,omitempty"`
}

func Create(c canonical.Issue) Op {
	return Op{Kind: KindCreate, Fingerprint: c.Fingerprint, Issue: &c, Title: c.Title, Body: c.RenderedBody, Labels: c.Labels()}
}

func Update(id int, c canonical.Issue, reopen bool) Op {
	return Op{Kind: KindUpdate, RemoteID: id, Fingerprint: c.Fingerprint, Issue: &c, Title: c.Title, Body: c.RenderedBody, Labels: c.Labels(), Reopen: reopen}
}

func Close(id int, fp canonical.Fingerprint) Op {
	return Op{Kind: KindClose, RemoteID: id, Fingerprint: fp}
}

func Skip(id int, fp canonical.Fingerprint, reason string) Op {
	return Op{Kind: KindSkip, RemoteID: id, Fingerprint: fp, Reason: reason}
}

// Element names the declared element an op refers to, if any.
func (o Op) Element() string {
	if o.Issue == nil {
		return ""
	}
	return o.Issue.FilePath + "#" + o.Issue.ElementName
}

func (o Op) String() string {
	switch o.Kind {
	case KindCreate:
		return fmt.Sprintf("create %q (%s)", o.Title, o.Element())
	case KindUpdate:
		if o.Reopen {
			return fmt.Sprintf("update #%d and reopen (%s)", o.RemoteID, o.Element())
		}
		return fmt.Sprintf("update #%d (%s)", o.RemoteID, o.Element())
	case KindClose:
		return fmt.Sprintf("close #%d", o.RemoteID)
	default:
		return fmt.Sprintf("skip #%d: %s", o.RemoteID, o.Reason)
	}
}

// Plan is the ordered operation list of one pass. Every Close precedes every
// Create and Update.
type Plan struct {
	Ops []Op `json:"ops"`
}

// Counts tallies a plan by kind.
type Counts struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Close  int `json:"close"`
	Skip   int `json:"skip"`
}

func (c Counts) Mutations() int { return c.Create + c.Update + c.Close }

func (p Plan) Counts() Counts {
	var c Counts
	for _, op := range p.Ops {
		switch op.Kind {
		case KindCreate:
			c.Create++
		case KindUpdate:
			c.Update++
		case KindClose:
			c.Close++
		case KindSkip:
			c.Skip++
		}
	}
	return c
}

// Mutating returns the ops that change tracker state.
func (p Plan) Mutating() []Op {
	var out []Op
	for _, op := range p.Ops {
		if op.Kind != KindSkip {
			out = append(out, op)
		}
	}
	return out
}
