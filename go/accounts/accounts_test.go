package accounts

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/gerrit/mocks"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/testutils/unittest"
)

func account(id int64, more bool) *gerrit.AccountInfo {
	return &gerrit.AccountInfo{
		AccountID:    id,
		Name:         fmt.Sprintf("User %d", id),
		Email:        fmt.Sprintf("user%d@example.com", id),
		Username:     fmt.Sprintf("user%d", id),
		MoreAccounts: more,
	}
}

func TestSyncPagesThroughAllAccounts(t *testing.T) {
	unittest.SmallTest(t)
	store, err := db.NewInMemory()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	g := &mocks.Gerrit{}
	page1 := make([]*gerrit.AccountInfo, 0, 25)
	for i := int64(1); i <= 25; i++ {
		page1 = append(page1, account(i, i == 25))
	}
	g.On("ListAccounts", mock.Anything, 0, 25).Return(page1, true, nil).Once()
	g.On("ListAccounts", mock.Anything, 25, 25).
		Return([]*gerrit.AccountInfo{account(26, false)}, false, nil).Once()

	n, err := Sync(context.Background(), g, store)
	require.NoError(t, err)
	require.Equal(t, 26, n)
	g.AssertExpectations(t)

	// The rows landed in the store: a queue entry owned by account 3
	// resolves to the synced name.
	pollID, err := store.NextPollID()
	require.NoError(t, err)
	require.NoError(t, store.ReplaceQueue(pollID, []*db.ChangeInfo{
		{ChangeID: "Iaaa", Project: "widgets", Branch: "master", OwnerID: 3},
	}))
	_, entries, err := store.GetQueue("", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "User 3", entries[0].Owner.Name)
}

func TestSyncStopsOnError(t *testing.T) {
	unittest.SmallTest(t)
	store, err := db.NewInMemory()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	g := &mocks.Gerrit{}
	g.On("ListAccounts", mock.Anything, 0, 25).
		Return(nil, false, skerr.Fmt("gerrit is down")).Once()

	n, err := Sync(context.Background(), g, store)
	require.Error(t, err)
	require.Equal(t, 0, n)
	g.AssertExpectations(t)
}

func TestSyncEmptyResult(t *testing.T) {
	unittest.SmallTest(t)
	store, err := db.NewInMemory()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	g := &mocks.Gerrit{}
	g.On("ListAccounts", mock.Anything, 0, 25).
		Return([]*gerrit.AccountInfo{}, false, nil).Once()

	n, err := Sync(context.Background(), g, store)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
