package marker

import (
	"fmt"
	"strings"
)

// IssueType classifies a declared issue. Its string form doubles as the
// tracker label.
type IssueType string

const (
	TypeTask    IssueType = "TASK"
	TypeBug     IssueType = "BUG"
	TypeSmell   IssueType = "SMELL"
	TypeIssue   IssueType = "ISSUE"
	TypeFeature IssueType = "FEATURE"
)

// IssueTypes lists every known issue type in declaration order.
var IssueTypes = []IssueType{TypeTask, TypeBug, TypeSmell, TypeIssue, TypeFeature}

// ParseIssueType maps a marker argument value to an IssueType.
func ParseIssueType(v string) (IssueType, error) {
	v = strings.TrimSpace(v)
	for _, t := range IssueTypes {
		if string(t) == v {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown issue type %q", v)
}

// IssueStatus is a workflow column or priority.
type IssueStatus string

const (
	StatusLowPriority IssueStatus = "LOW_PRIORITY"
	StatusCritical    IssueStatus = "CRITICAL"
	StatusTodo        IssueStatus = "TODO"
	StatusInProgress  IssueStatus = "IN_PROGRESS"
	StatusReview      IssueStatus = "REVIEW"
	StatusDone        IssueStatus = "DONE"
)

// DefaultStatuses is the status enumeration used when a deployment does not
// configure its own.
var DefaultStatuses = []IssueStatus{
	StatusLowPriority,
	StatusCritical,
	StatusTodo,
	StatusInProgress,
	StatusReview,
	StatusDone,
}

// StatusSet is the fixed status enumeration for one run.
type StatusSet struct {
	ordered []IssueStatus
	known   map[IssueStatus]struct{}
}

// NewStatusSet builds a set from the given values. Empty values and
// duplicates are rejected.
func NewStatusSet(values ...string) (StatusSet, error) {
	s := StatusSet{known: make(map[IssueStatus]struct{}, len(values))}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			return StatusSet{}, fmt.Errorf("empty status value")
		}
		st := IssueStatus(v)
		if _, dup := s.known[st]; dup {
			return StatusSet{}, fmt.Errorf("duplicate status %s", v)
		}
		s.known[st] = struct{}{}
		s.ordered = append(s.ordered, st)
	}
	if len(s.ordered) == 0 {
		return StatusSet{}, fmt.Errorf("status set is empty")
	}
	return s, nil
}

// DefaultStatusSet returns the set built from DefaultStatuses.
func DefaultStatusSet() StatusSet {
	values := make([]string, len(DefaultStatuses))
	for i, st := range DefaultStatuses {
		values[i] = string(st)
	}
	s, _ := NewStatusSet(values...)
	return s
}

// Parse maps a marker argument value to a status in the set.
func (s StatusSet) Parse(v string) (IssueStatus, error) {
	v = strings.TrimSpace(v)
	if _, ok := s.known[IssueStatus(v)]; ok {
		return IssueStatus(v), nil
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// Values returns the statuses in configured order.
func (s StatusSet) Values() []IssueStatus {
	out := make([]IssueStatus, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Declaration is one marker occurrence on a source element. Its identity is
// (FilePath, ElementName); Title and Description may change between runs.
type Declaration struct {
	ElementName string      `json:"element_name"`
	FilePath    string      `json:"file_path"`
	IssueType   IssueType   `json:"issue_type"`
	Status      IssueStatus `json:"status"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Line        int         `json:"line,omitempty"`
}

// Location formats the declaration site for diagnostics.
func (d Declaration) Location() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d (%s)", d.FilePath, d.Line, d.ElementName)
	}
	return fmt.Sprintf("%s (%s)", d.FilePath, d.ElementName)
}

// Args holds the four positional marker arguments after literal resolution.
// Enum arguments carry only their final identifier ("BUG" for IssueType.BUG).
type Args struct {
	IssueType   string
	Status      string
	Title       string
	Description string
}

// NewDeclaration validates args against the enumerations and builds a
// Declaration for the given element.
func NewDeclaration(filePath, elementName string, line int, args Args, statuses StatusSet) (Declaration, error) {
	issueType, err := ParseIssueType(args.IssueType)
	if err != nil {
		return Declaration{}, err
	}
	status, err := statuses.Parse(args.Status)
	if err != nil {
		return Declaration{}, err
	}
	// GitHub trims titles; an untrimmed one would never compare equal.
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return Declaration{}, fmt.Errorf("title is required")
	}
	return Declaration{
		ElementName: elementName,
		FilePath:    filePath,
		IssueType:   issueType,
		Status:      status,
		Title:       title,
		Description: args.Description,
		Line:        line,
	}, nil
}
