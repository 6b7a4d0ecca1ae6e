package gerrit

import (
	"sort"
	"strings"
	"time"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
)

// labelEvent is one (time, value) vote parsed from a label's history.
type labelEvent struct {
	time  time.Time
	value int
}

// ParseTime parses a Gerrit timestamp. Gerrit sometimes emits fractional
// seconds padded with trailing zeros beyond what a strict parser accepts, so
// the fraction is canonicalized first: trailing zeros are stripped, and a
// single zero is restored if the fraction would become empty.
func ParseTime(s string) (time.Time, error) {
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		if strings.HasSuffix(s, ".") {
			s += "0"
		}
	}
	t, err := time.ParseInLocation(TimeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, skerr.Wrapf(err, "invalid Gerrit timestamp %q", s)
	}
	return t, nil
}

// sortLabelEvents extracts the (time, value) pairs from the given label
// votes, dropping entries missing a date or parsing badly, and returns them
// in chronological order. The sort is stable, so same-timestamp events keep
// their input order.
func sortLabelEvents(details []*LabelDetail) []labelEvent {
	events := make([]labelEvent, 0, len(details))
	for _, d := range details {
		// Setting a label to 0 removes the date from the entry.
		if d == nil || d.Date == "" || d.Value == 0 {
			continue
		}
		t, err := ParseTime(d.Date)
		if err != nil {
			continue
		}
		events = append(events, labelEvent{time: t, value: d.Value})
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].time.Before(events[j].time)
	})
	return events
}

// resolveScore folds chronologically ordered events into a single
// (time, score) pair: the earliest +1 after the latest -1 wins; if no +1 is
// active the result is (now, -1).
func resolveScore(events []labelEvent) (time.Time, int) {
	resolvedTime := time.Now().UTC()
	resolvedScore := MergeQueueReject
	for _, ev := range events {
		if ev.value == MergeQueueReject {
			resolvedTime = ev.time
			resolvedScore = ev.value
		} else if ev.value == MergeQueueApprove && resolvedScore != MergeQueueApprove {
			resolvedTime = ev.time
			resolvedScore = ev.value
		}
	}
	return resolvedTime, resolvedScore
}

// ResolveMergeQueue folds the change's Merge-Queue label history into a
// single (queue_time, score) pair. The change is ready to merge iff the
// score is MergeQueueApprove; queue_time is then its ordering timestamp.
func ResolveMergeQueue(c *ChangeInfo) (time.Time, int) {
	var details []*LabelDetail
	if entry, ok := c.Labels[MergeQueueLabel]; ok && entry != nil {
		details = entry.All
	}
	return resolveScore(sortLabelEvents(details))
}
