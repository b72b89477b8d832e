package domain

import (
	"fmt"
	"time"
)

// RefreshPolicy decides which existing rows a sync pass may overwrite.
// Insertion of previously-unseen external ids is never policy-gated; only
// updates to existing rows are. The three variants form a closed sum type so
// the reconciler's branching is exhaustive.
type RefreshPolicy struct {
	kind   policyKind
	window int
}

type policyKind int

const (
	policyFull policyKind = iota
	policyTodayOnly
	policyRecentWindow
	policyInsertOnly
)

// Full overwrites every matching existing row regardless of day.
func Full() RefreshPolicy { return RefreshPolicy{kind: policyFull} }

// TodayOnly overwrites only rows whose local day is today.
func TodayOnly() RefreshPolicy { return RefreshPolicy{kind: policyTodayOnly} }

// RecentWindow overwrites rows whose local day falls within the trailing n
// days, today inclusive. RecentWindow(2) covers today and yesterday.
func RecentWindow(n int) RefreshPolicy {
	if n < 1 {
		n = 1
	}
	return RefreshPolicy{kind: policyRecentWindow, window: n}
}

// InsertOnly never overwrites; late-arriving new records are still inserted.
func InsertOnly() RefreshPolicy { return RefreshPolicy{kind: policyInsertOnly} }

// Admits reports whether an existing row dated day may be overwritten when
// today is the current local day.
func (p RefreshPolicy) Admits(day, today time.Time) bool {
	switch p.kind {
	case policyFull:
		return true
	case policyTodayOnly:
		return SameDay(day, today)
	case policyRecentWindow:
		earliest := today.AddDate(0, 0, -(p.window - 1))
		return !day.Before(earliest)
	default:
		return false
	}
}

// String renders the policy for logs.
func (p RefreshPolicy) String() string {
	switch p.kind {
	case policyFull:
		return "full"
	case policyTodayOnly:
		return "today_only"
	case policyRecentWindow:
		return fmt.Sprintf("recent_window(%d)", p.window)
	default:
		return "insert_only"
	}
}
