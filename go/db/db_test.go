package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
)

func newStore(t *testing.T) Store {
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func queueRow(changeID string, priority int, queueTime time.Time) *ChangeInfo {
	return &ChangeInfo{
		QueueTime:       queueTime,
		Priority:        priority,
		ChangeID:        changeID,
		Project:         "toys/smallship",
		Branch:          "master",
		Subject:         "subject of " + changeID,
		CurrentRevision: "rev-" + changeID,
		OwnerID:         7,
		MessageMeta:     "{}",
	}
}

func TestReplaceQueueSnapshot(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	pollID, err := s.NextPollID()
	require.NoError(t, err)
	require.Equal(t, int64(1), pollID)

	base := time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)
	require.NoError(t, s.ReplaceQueue(pollID, []*ChangeInfo{
		queueRow("Iaaa", 100, base),
		queueRow("Ibbb", 100, base.Add(time.Minute)),
	}))

	count, entries, err := s.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Len(t, entries, 2)

	// The next snapshot completely replaces the previous one, including
	// changes that disappeared upstream.
	pollID, err = s.NextPollID()
	require.NoError(t, err)
	require.Equal(t, int64(2), pollID)
	require.NoError(t, s.ReplaceQueue(pollID, []*ChangeInfo{
		queueRow("Ibbb", 100, base.Add(time.Minute)),
	}))

	count, entries, err = s.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, entries, 1)
	require.Equal(t, "Ibbb", entries[0].ChangeID)
	require.Equal(t, int64(2), entries[0].PollID)
}

func TestQueueOrdering(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	base := time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)
	// Insertion order deliberately scrambled: the high priority (lowest
	// value) change queued last still merges first; ties break on
	// queue_time.
	require.NoError(t, s.ReplaceQueue(1, []*ChangeInfo{
		queueRow("Iccc", 100, base.Add(2*time.Minute)),
		queueRow("Iaaa", 100, base),
		queueRow("Iurgent", 0, base.Add(time.Hour)),
		queueRow("Ibbb", 100, base.Add(time.Minute)),
	}))

	_, entries, err := s.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ChangeID)
	}
	require.Equal(t, []string{"Iurgent", "Iaaa", "Ibbb", "Iccc"}, ids)
}

func TestQueueFiltersAndPagination(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	base := time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)
	rows := make([]*ChangeInfo, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, queueRow(fmt.Sprintf("I%03d", i), 100, base.Add(time.Duration(i)*time.Minute)))
	}
	rows[4].Project = "toys/bigship"
	require.NoError(t, s.ReplaceQueue(1, rows))

	// The count is unpaginated; the page honors offset and limit.
	count, entries, err := s.GetQueue("", "", 1, 2)
	require.NoError(t, err)
	require.Equal(t, 5, count)
	require.Len(t, entries, 2)
	require.Equal(t, "I001", entries[0].ChangeID)
	require.Equal(t, "I002", entries[1].ChangeID)

	count, entries, err = s.GetQueue("toys/bigship", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, "I004", entries[0].ChangeID)
}

func TestCreateMergeExclusive(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	start := time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)
	rid, err := s.CreateMerge("toys/smallship", "master", start)
	require.NoError(t, err)
	require.Equal(t, int64(1), rid)

	// Only one merge may be in progress per (project, branch).
	_, err = s.CreateMerge("toys/smallship", "master", start)
	require.Error(t, err)

	// Other branches are independent.
	_, err = s.CreateMerge("toys/smallship", "release", start)
	require.NoError(t, err)

	// Completing the merge frees the slot.
	require.NoError(t, s.UpdateMergeStatus(rid, StatusSuccess, "", start.Add(time.Minute)))
	_, err = s.CreateMerge("toys/smallship", "master", start.Add(2*time.Minute))
	require.NoError(t, err)
}

func TestRequestCancelIdempotent(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	when := time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)

	c, err := s.PeekCancel(17)
	require.NoError(t, err)
	require.Nil(t, c)

	created, err := s.RequestCancel(17, "josh", when)
	require.NoError(t, err)
	require.True(t, created)

	// A second request is a no-op and keeps the original requester.
	created, err = s.RequestCancel(17, "somebody-else", when.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, created)

	c, err = s.PeekCancel(17)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, "josh", c.Who)
}

func TestMarkStaleInProgress(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	start := time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)
	rid1, err := s.CreateMerge("toys/smallship", "master", start)
	require.NoError(t, err)
	rid2, err := s.CreateMerge("toys/smallship", "release", start)
	require.NoError(t, err)
	rid3, err := s.CreateMerge("toys/bigship", "master", start)
	require.NoError(t, err)
	require.NoError(t, s.UpdateMergeStatus(rid3, StatusSuccess, "", start.Add(time.Minute)))

	affected, err := s.MarkStaleInProgress()
	require.NoError(t, err)
	require.Equal(t, int64(2), affected)

	for _, rid := range []int64{rid1, rid2} {
		record, err := s.GetMerge(rid)
		require.NoError(t, err)
		require.Equal(t, StatusCanceled, record.Status)
	}
	record, err := s.GetMerge(rid3)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, record.Status)

	// A second pass finds nothing to do.
	affected, err = s.MarkStaleInProgress()
	require.NoError(t, err)
	require.Equal(t, int64(0), affected)
}

func TestHistoryEmbedding(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	require.NoError(t, s.UpsertAccounts([]*AccountInfo{
		{RID: 7, Name: "Dev One", Email: "one@example.com", Username: "one"},
		{RID: 8, Name: "Dev Two", Email: "two@example.com", Username: "two"},
	}))

	start := time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)
	rid, err := s.CreateMerge("toys/smallship", "master", start)
	require.NoError(t, err)

	// Appended out of request order; reads come back by request_time.
	require.NoError(t, s.AppendMergeChange(rid, &MergeChange{
		ChangeID:      "Ibbb",
		OwnerID:       8,
		FeatureBranch: "feat/b",
		RequestTime:   start.Add(time.Minute),
		MsgMeta:       "{}",
	}))
	require.NoError(t, s.AppendMergeChange(rid, &MergeChange{
		ChangeID:      "Iaaa",
		OwnerID:       7,
		FeatureBranch: "feat/a",
		RequestTime:   start,
		MsgMeta:       "{}",
	}))
	require.NoError(t, s.UpdateMergeStatus(rid, StatusSuccess, "", start.Add(time.Hour)))

	record, err := s.GetMerge(rid)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, record.Status)
	require.Len(t, record.Changes, 2)
	require.Equal(t, "Iaaa", record.Changes[0].ChangeID)
	require.Equal(t, "Dev One", record.Changes[0].Owner.Name)
	require.Equal(t, "Ibbb", record.Changes[1].ChangeID)
	require.Equal(t, "Dev Two", record.Changes[1].Owner.Name)

	// GetHistory returns the newest merge first.
	rid2, err := s.CreateMerge("toys/smallship", "release", start.Add(2*time.Hour))
	require.NoError(t, err)
	count, records, err := s.GetHistory("", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Equal(t, rid2, records[0].RID)
	require.Equal(t, rid, records[1].RID)

	latest, err := s.LatestMerge()
	require.NoError(t, err)
	require.Equal(t, rid2, latest.RID)
}

func TestNotFound(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	_, err := s.GetMerge(42)
	require.Equal(t, ErrNotFound, err)

	_, err = s.LatestMerge()
	require.Equal(t, ErrNotFound, err)

	err = s.UpdateMergeStatus(42, StatusSuccess, "", time.Now().UTC())
	require.Equal(t, ErrNotFound, err)
}

func TestUpsertAccount(t *testing.T) {
	unittest.SmallTest(t)
	s := newStore(t)

	// Missing fields are stored as a placeholder rather than empty.
	require.NoError(t, s.UpsertAccount(&AccountInfo{RID: 7, Username: "one"}))
	_, entries, err := s.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 0)

	require.NoError(t, s.ReplaceQueue(1, []*ChangeInfo{
		queueRow("Iaaa", 100, time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC)),
	}))
	_, entries, err = s.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "<none>", entries[0].Owner.Name)
	require.Equal(t, "one", entries[0].Owner.Username)

	// Last writer wins.
	require.NoError(t, s.UpsertAccount(&AccountInfo{RID: 7, Name: "Dev One", Email: "one@example.com", Username: "one"}))
	_, entries, err = s.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, "Dev One", entries[0].Owner.Name)

	// An id with no cached account resolves to an unknown placeholder.
	require.NoError(t, s.ReplaceQueue(2, []*ChangeInfo{
		{
			QueueTime: time.Date(2016, 2, 25, 1, 0, 0, 0, time.UTC),
			Priority:  100,
			ChangeID:  "Izzz",
			Project:   "toys/smallship",
			Branch:    "master",
			OwnerID:   999,
		},
	}))
	_, entries, err = s.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	require.Equal(t, "<unknown>", entries[0].Owner.Name)
}
