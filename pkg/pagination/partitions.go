package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"sync"
)

const (
	// DefaultPartitions is the number of windows opened up front.
	DefaultPartitions = 16

	// DefaultPageSize is the $top of every window.
	DefaultPageSize = 100
)

// ErrDuplicateOffset means a window was opened twice.
var ErrDuplicateOffset = errors.New("pagination: offset already open")

var (
	skipPattern  = regexp.MustCompile(`(?i)(?:^|&)(?:\$|%24)skip=(\d+)`)
	rangePattern = regexp.MustCompile(`(?i)(?:^|&)(?:\$|%24)(?:skip|top)=`)
)

// PartitionSet is the ordered set of open $skip offsets of one range scan.
// It is safe for concurrent use.
type PartitionSet struct {
	pageSize int

	mu      sync.Mutex
	offsets []int // sorted ascending
}

// NewPartitionSet creates an empty set for windows of pageSize items.
func NewPartitionSet(pageSize int) *PartitionSet {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PartitionSet{pageSize: pageSize}
}

// PageSize returns the window size.
func (p *PartitionSet) PageSize() int { return p.pageSize }

// Open adds a window after the highest open one (0 for an empty set) and
// returns its offset.
func (p *PartitionSet) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.nextLocked()
	p.offsets = append(p.offsets, next)
	return next
}

// Advance replaces the window at old with a new one after the highest open
// offset and returns it.
func (p *PartitionSet) Advance(old int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.nextLocked()
	p.removeLocked(old)
	if _, found := slices.BinarySearch(p.offsets, next); found {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateOffset, next)
	}
	p.offsets = append(p.offsets, next)
	return next, nil
}

// Retire closes the window at old and returns how many remain open.
func (p *PartitionSet) Retire(old int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(old)
	return len(p.offsets)
}

// Len returns the number of open windows.
func (p *PartitionSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offsets)
}

// Offsets returns a copy of the open offsets in ascending order.
func (p *PartitionSet) Offsets() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.offsets)
}

func (p *PartitionSet) nextLocked() int {
	if len(p.offsets) == 0 {
		return 0
	}
	return p.offsets[len(p.offsets)-1] + p.pageSize
}

func (p *PartitionSet) removeLocked(offset int) {
	if i, found := slices.BinarySearch(p.offsets, offset); found {
		p.offsets = slices.Delete(p.offsets, i, i+1)
	}
}

// WindowQuery renders the query fragment selecting one window.
func WindowQuery(skip, top int) string {
	return "$skip=" + strconv.Itoa(skip) + "&$top=" + strconv.Itoa(top)
}

// HasRangeParams reports whether u already limits the range with $skip or
// $top.
func HasRangeParams(u *url.URL) bool {
	return rangePattern.MatchString(u.RawQuery)
}

// SkipValue extracts the $skip offset from u.
func SkipValue(u *url.URL) (int, error) {
	m := skipPattern.FindStringSubmatch(u.RawQuery)
	if m == nil {
		return 0, fmt.Errorf("request uri has no $skip parameter: %s", u.Redacted())
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse $skip in %s: %w", u.Redacted(), err)
	}
	return n, nil
}
