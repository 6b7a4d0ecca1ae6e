// Package accounts mirrors the Gerrit account table into the local store so
// the webfront can resolve owners without talking to Gerrit.
package accounts

import (
	"context"

	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
)

// pageSize matches Gerrit's default account query page.
const pageSize = 25

// Sync pages through all active Gerrit accounts and upserts them into the
// store. Returns the number of accounts seen.
func Sync(ctx context.Context, g gerrit.Gerrit, store db.Store) (int, error) {
	total := 0
	offset := 0
	for {
		page, more, err := g.ListAccounts(ctx, offset, pageSize)
		if err != nil {
			return total, skerr.Wrapf(err, "account sync failed at offset %d", offset)
		}
		rows := make([]*db.AccountInfo, 0, len(page))
		for _, a := range page {
			rows = append(rows, &db.AccountInfo{
				RID:      a.AccountID,
				Name:     a.Name,
				Email:    a.Email,
				Username: a.Username,
			})
		}
		if err := store.UpsertAccounts(rows); err != nil {
			return total, skerr.Wrap(err)
		}
		total += len(page)
		if !more || len(page) == 0 {
			return total, nil
		}
		offset += len(page)
	}
}
