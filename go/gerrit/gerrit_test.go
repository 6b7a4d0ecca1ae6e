package gerrit

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/mockhttpclient"
	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
)

const fakeGerritURL = "https://fake-gerrit.example.com"

func TestParseTime(t *testing.T) {
	unittest.SmallTest(t)

	// Plain timestamps and fractions of various widths parse.
	ts, err := ParseTime("2016-02-25 01:01:25.000000000")
	require.NoError(t, err)
	require.Equal(t, time.Date(2016, 2, 25, 1, 1, 25, 0, time.UTC), ts)

	ts, err = ParseTime("2016-02-25 01:01:25.500000")
	require.NoError(t, err)
	require.Equal(t, 500000000, ts.Nanosecond())

	ts, err = ParseTime("2016-02-25 01:01:25")
	require.NoError(t, err)
	require.Equal(t, 0, ts.Nanosecond())

	_, err = ParseTime("not a timestamp")
	require.Error(t, err)
}

func labelAt(date string, value int) *LabelDetail {
	return &LabelDetail{Name: "Reviewer", Email: "r@example.com", Date: date, Value: value}
}

func changeWithLabels(details ...*LabelDetail) *ChangeInfo {
	return &ChangeInfo{
		ChangeID: "Iabc123",
		Labels: map[string]*LabelEntry{
			MergeQueueLabel: {All: details},
		},
	}
}

func TestResolveMergeQueue(t *testing.T) {
	unittest.SmallTest(t)

	t1 := "2016-02-25 01:00:00.000000000"
	t2 := "2016-02-25 02:00:00.000000000"
	t3 := "2016-02-25 03:00:00.000000000"

	// No events: not ready, time is "now".
	before := time.Now().UTC()
	qt, score := ResolveMergeQueue(changeWithLabels())
	require.Equal(t, MergeQueueReject, score)
	require.False(t, qt.Before(before))

	// Single +1.
	qt, score = ResolveMergeQueue(changeWithLabels(labelAt(t1, 1)))
	require.Equal(t, MergeQueueApprove, score)
	require.Equal(t, mustParse(t, t1), qt)

	// The earliest +1 after the latest -1 wins.
	qt, score = ResolveMergeQueue(changeWithLabels(
		labelAt(t1, 1), labelAt(t2, -1), labelAt(t3, 1)))
	require.Equal(t, MergeQueueApprove, score)
	require.Equal(t, mustParse(t, t3), qt)

	// A later +1 does not displace an earlier active +1.
	qt, score = ResolveMergeQueue(changeWithLabels(labelAt(t1, 1), labelAt(t2, 1)))
	require.Equal(t, MergeQueueApprove, score)
	require.Equal(t, mustParse(t, t1), qt)

	// A trailing -1 removes readiness.
	_, score = ResolveMergeQueue(changeWithLabels(labelAt(t1, 1), labelAt(t2, -1)))
	require.Equal(t, MergeQueueReject, score)

	// Events arriving out of order are sorted by timestamp first.
	qt, score = ResolveMergeQueue(changeWithLabels(
		labelAt(t3, 1), labelAt(t1, -1)))
	require.Equal(t, MergeQueueApprove, score)
	require.Equal(t, mustParse(t, t3), qt)

	// Entries with no date (score removed) are ignored.
	qt, score = ResolveMergeQueue(changeWithLabels(
		&LabelDetail{Name: "Reviewer"}, labelAt(t2, 1)))
	require.Equal(t, MergeQueueApprove, score)
	require.Equal(t, mustParse(t, t2), qt)

	// Duplicate events at the same timestamp are idempotent.
	qt1, score1 := ResolveMergeQueue(changeWithLabels(labelAt(t1, 1), labelAt(t1, 1)))
	qt2, score2 := ResolveMergeQueue(changeWithLabels(labelAt(t1, 1)))
	require.Equal(t, score2, score1)
	require.Equal(t, qt2, qt1)
}

func mustParse(t *testing.T, s string) time.Time {
	ts, err := ParseTime(s)
	require.NoError(t, err)
	return ts
}

// readyQueryURL reproduces the URL ListReady builds for the default filters.
func readyQueryURL(offset, limit int) string {
	q := fmt.Sprintf(
		"S=%d&n=%d&o=CURRENT_REVISION&o=CURRENT_COMMIT&o=LABELS&o=DETAILED_LABELS&o=DETAILED_ACCOUNTS&q=%s",
		offset, limit,
		url.QueryEscape("status:new label:code-review=+2 label:merge-queue=+1"))
	return fakeGerritURL + "/a/changes/?" + q
}

func TestListReady(t *testing.T) {
	unittest.SmallTest(t)

	body := `)]}'
[
  {
    "id": "proj~master~I111",
    "project": "proj",
    "branch": "master",
    "change_id": "I111",
    "subject": "Ready change",
    "status": "NEW",
    "current_revision": "abc",
    "owner": {"_account_id": 7, "name": "Dev", "email": "dev@example.com", "username": "dev"},
    "labels": {"Merge-Queue": {"all": [{"date": "2016-02-25 01:00:00.000000000", "value": 1}]}},
    "revisions": {"abc": {"_number": 1, "commit": {"message": "Ready change\n\nFeature-Branch: feat/x\n"}}}
  },
  {
    "id": "proj~master~I222",
    "project": "proj",
    "branch": "master",
    "change_id": "I222",
    "subject": "Score was retracted",
    "status": "NEW",
    "current_revision": "def",
    "owner": {"_account_id": 8},
    "labels": {"Merge-Queue": {"all": [
      {"date": "2016-02-25 01:00:00.000000000", "value": 1},
      {"date": "2016-02-25 02:00:00.000000000", "value": -1}
    ]}},
    "_more_changes": true
  }
]
`
	m := mockhttpclient.NewURLMock()
	m.MockOnce(readyQueryURL(0, 25), []byte(body))
	g := NewClient(fakeGerritURL, m.Client())

	ready, more, err := g.ListReady(context.Background(), nil, 0, 25)
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, ready, 1)
	require.Equal(t, "I111", ready[0].ChangeID)
	require.Contains(t, ready[0].CommitMessage(), "Feature-Branch: feat/x")
	require.True(t, m.Empty())
}

func TestListReadyTransportError(t *testing.T) {
	unittest.SmallTest(t)
	m := mockhttpclient.NewURLMock()
	g := NewClient(fakeGerritURL, m.Client())
	_, _, err := g.ListReady(context.Background(), nil, 0, 25)
	require.Error(t, err)
}

func TestSubmitFailsClosed(t *testing.T) {
	unittest.SmallTest(t)
	m := mockhttpclient.NewURLMock()

	m.MockOnce(fakeGerritURL+"/a/changes/I111/submit", []byte(")]}'\n{\"status\": \"SUBMITTED\"}\n"))
	g := NewClient(fakeGerritURL, m.Client())
	require.NoError(t, g.Submit(context.Background(), "I111"))

	// Any status other than SUBMITTED is an error, even MERGED.
	m.MockOnce(fakeGerritURL+"/a/changes/I111/submit", []byte(")]}'\n{\"status\": \"MERGED\"}\n"))
	require.Error(t, g.Submit(context.Background(), "I111"))
}

func TestGetChangeNotFound(t *testing.T) {
	unittest.SmallTest(t)
	m := mockhttpclient.NewURLMock()
	q := detailQuery()
	m.MockOnceWithCode(fakeGerritURL+"/a/changes/I404?"+q.Encode(), 404, []byte("Not found: I404"))
	g := NewClient(fakeGerritURL, m.Client())
	_, err := g.GetChange(context.Background(), "I404")
	require.Equal(t, ErrNotFound, err)
}

func TestListAccountsPaging(t *testing.T) {
	unittest.SmallTest(t)
	m := mockhttpclient.NewURLMock()
	m.MockOnce(fakeGerritURL+"/a/accounts/?q=is:active&S=0&n=2&o=DETAILS",
		[]byte(")]}'\n[{\"_account_id\": 1, \"username\": \"a\"}, {\"_account_id\": 2, \"username\": \"b\", \"_more_accounts\": true}]\n"))
	m.MockOnce(fakeGerritURL+"/a/accounts/?q=is:active&S=2&n=2&o=DETAILS",
		[]byte(")]}'\n[{\"_account_id\": 3, \"username\": \"c\"}]\n"))
	g := NewClient(fakeGerritURL, m.Client())

	page, more, err := g.ListAccounts(context.Background(), 0, 2)
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, page, 2)

	page, more, err = g.ListAccounts(context.Background(), 2, 2)
	require.NoError(t, err)
	require.False(t, more)
	require.Len(t, page, 1)
	require.True(t, m.Empty())
}
