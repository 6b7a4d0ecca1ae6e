// Package poller refreshes the local queue cache from Gerrit.
package poller

import (
	"context"

	"github.com/cheshirekow/gerrit-mq/go/db"
	"github.com/cheshirekow/gerrit-mq/go/footers"
	"github.com/cheshirekow/gerrit-mq/go/gerrit"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

// pageSize is how many changes we request from Gerrit per page.
const pageSize = 25

// Poller pages the ready-to-merge changes out of Gerrit and swaps them into
// the queue cache as one atomic snapshot.
type Poller struct {
	g     gerrit.Gerrit
	store db.Store
}

// New returns a Poller over the given Gerrit client and store.
func New(g gerrit.Gerrit, store db.Store) *Poller {
	return &Poller{g: g, store: store}
}

// PollOnce fetches every ready change and replaces the queue snapshot.
// Returns the new queue size. On any error the previous snapshot is left
// intact.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	pollID, err := p.store.NextPollID()
	if err != nil {
		return 0, skerr.Wrap(err)
	}

	var changes []*gerrit.ChangeInfo
	for offset := 0; ; offset += pageSize {
		page, more, err := p.g.ListReady(ctx, nil, offset, pageSize)
		if err != nil {
			return 0, skerr.Wrapf(err, "failed to list ready changes")
		}
		changes = append(changes, page...)
		if !more {
			break
		}
	}

	rows := make([]*db.ChangeInfo, 0, len(changes))
	for _, c := range changes {
		row, err := p.changeRow(c)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}

	if err := p.store.ReplaceQueue(pollID, rows); err != nil {
		return 0, skerr.Wrap(err)
	}
	sklog.Debugf("Poll %d cached %d ready changes", pollID, len(rows))
	return len(rows), nil
}

// changeRow converts one upstream change into a queue cache row, caching its
// owner along the way.
func (p *Poller) changeRow(c *gerrit.ChangeInfo) (*db.ChangeInfo, error) {
	var ownerID int64
	if c.Owner != nil {
		ownerID = c.Owner.AccountID
		err := p.store.UpsertAccount(&db.AccountInfo{
			RID:      c.Owner.AccountID,
			Name:     c.Owner.Name,
			Email:    c.Owner.Email,
			Username: c.Owner.Username,
		})
		if err != nil {
			return nil, skerr.Wrapf(err, "failed to cache owner of change %s", c.ChangeID)
		}
	}

	meta := footers.Parse(c.CommitMessage())
	queueTime, _ := gerrit.ResolveMergeQueue(c)

	return &db.ChangeInfo{
		QueueTime:       queueTime,
		Priority:        meta.Priority(),
		ChangeID:        c.ChangeID,
		Project:         c.Project,
		Branch:          c.Branch,
		Subject:         c.Subject,
		CurrentRevision: c.CurrentRevision,
		OwnerID:         ownerID,
		MessageMeta:     meta.ToJSON(),
	}, nil
}
