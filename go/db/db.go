// Package db is the merge queue's persistent store: the queue cache, the
// merge history, cancellation requests and the local account table, all in a
// single SQLite database accessed through gorm.
package db

import (
	"errors"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
)

// Status values for merge_history rows.
const (
	StatusTimeout    = -3
	StatusCanceled   = -2
	StatusStepFailed = -1
	StatusSuccess    = 0
	StatusInProgress = 1
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("no such record")

// noneValue fills account fields Gerrit did not provide.
const noneValue = "<none>"

// AccountInfo caches a Gerrit account. RID is the Gerrit account id, so
// upserts are keyed directly on the primary key.
type AccountInfo struct {
	RID      int64  `json:"rid" gorm:"column:rid;primary_key"`
	Name     string `json:"name" gorm:"column:name"`
	Email    string `json:"email" gorm:"column:email"`
	Username string `json:"username" gorm:"column:username"`
}

// TableName implements gorm's tabler interface.
func (AccountInfo) TableName() string { return "account_info" }

// ChangeInfo is one row of the queue cache. Rows are written only by
// ReplaceQueue; PollID stamps which poll produced them.
type ChangeInfo struct {
	RID             int64     `json:"rid" gorm:"column:rid;primary_key;AUTO_INCREMENT"`
	PollID          int64     `json:"poll_id" gorm:"column:poll_id;index"`
	QueueTime       time.Time `json:"queue_time" gorm:"column:queue_time"`
	Priority        int       `json:"priority" gorm:"column:priority"`
	ChangeID        string    `json:"change_id" gorm:"column:change_id;index"`
	Project         string    `json:"project" gorm:"column:project;index"`
	Branch          string    `json:"branch" gorm:"column:branch;index"`
	Subject         string    `json:"subject" gorm:"column:subject"`
	CurrentRevision string    `json:"current_revision" gorm:"column:current_revision"`
	OwnerID         int64     `json:"-" gorm:"column:owner"`
	MessageMeta     string    `json:"message_meta" gorm:"column:message_meta"`
}

// TableName implements gorm's tabler interface.
func (ChangeInfo) TableName() string { return "change_info" }

// QueueEntry is a queue row with its owner resolved.
type QueueEntry struct {
	ChangeInfo
	Owner *AccountInfo `json:"owner" gorm:"-"`
}

// MergeStatus records one verification attempt of one or more changes
// against a (project, branch).
type MergeStatus struct {
	RID       int64     `json:"rid" gorm:"column:rid;primary_key;AUTO_INCREMENT"`
	Project   string    `json:"project" gorm:"column:project;index"`
	Branch    string    `json:"branch" gorm:"column:branch;index"`
	StartTime time.Time `json:"start_time" gorm:"column:start_time"`
	EndTime   time.Time `json:"end_time" gorm:"column:end_time"`
	Status    int       `json:"status" gorm:"column:status"`
	Progress  string    `json:"progress" gorm:"column:progress"`
	MsgMeta   string    `json:"msg_meta" gorm:"column:msg_meta"`
}

// TableName implements gorm's tabler interface.
func (MergeStatus) TableName() string { return "merge_history" }

// MergeChange is one change covered by a merge attempt. Rows are immutable
// once written.
type MergeChange struct {
	RID           int64     `json:"rid" gorm:"column:rid;primary_key;AUTO_INCREMENT"`
	MergeID       int64     `json:"merge_id" gorm:"column:merge_id;index"`
	ChangeID      string    `json:"change_id" gorm:"column:change_id"`
	OwnerID       int64     `json:"-" gorm:"column:owner_id"`
	FeatureBranch string    `json:"feature_branch" gorm:"column:feature_branch"`
	RequestTime   time.Time `json:"request_time" gorm:"column:request_time"`
	MsgMeta       string    `json:"msg_meta" gorm:"column:msg_meta"`
}

// TableName implements gorm's tabler interface.
func (MergeChange) TableName() string { return "merge_changes" }

// MergeChangeRecord is a MergeChange with its owner resolved.
type MergeChangeRecord struct {
	MergeChange
	Owner *AccountInfo `json:"owner" gorm:"-"`
}

// MergeRecord is a MergeStatus with its changes embedded, ordered by
// request time.
type MergeRecord struct {
	MergeStatus
	Changes []*MergeChangeRecord `json:"changes" gorm:"-"`
}

// Cancellation asks the step runner to abort the merge with the same rid.
// Rows are never deleted.
type Cancellation struct {
	RID  int64     `json:"rid" gorm:"column:rid;primary_key"`
	Who  string    `json:"who" gorm:"column:who"`
	When time.Time `json:"when" gorm:"column:when"`
}

// TableName implements gorm's tabler interface.
func (Cancellation) TableName() string { return "cancellations" }

// Store is the persistence interface of the merge queue. Every method
// commits before returning; no transaction ever spans step execution.
type Store interface {
	// NextPollID returns max(poll_id)+1, or 1 for an empty queue cache.
	NextPollID() (int64, error)

	// ReplaceQueue atomically replaces the queue snapshot: insert the given
	// rows stamped with pollID, then delete every row with a different
	// poll id.
	ReplaceQueue(pollID int64, rows []*ChangeInfo) error

	// GetQueue returns the filtered, paginated queue in merge order along
	// with the unpaginated row count. Empty filters match everything;
	// limit <= 0 disables pagination.
	GetQueue(projectLike, branchLike string, offset, limit int) (int, []*QueueEntry, error)

	// CreateMerge inserts an IN_PROGRESS history row and returns its rid.
	// Fails if the (project, branch) already has a merge in progress.
	CreateMerge(project, branch string, start time.Time) (int64, error)

	// AppendMergeChange attaches a change to the given merge.
	AppendMergeChange(mergeID int64, c *MergeChange) error

	// UpdateMergeStatus finalizes or advances a history row.
	UpdateMergeStatus(rid int64, status int, progress string, end time.Time) error

	// GetHistory returns filtered, paginated history rows, newest first,
	// with embedded changes and owners.
	GetHistory(projectLike, branchLike string, offset, limit int) (int, []*MergeRecord, error)

	// GetMerge returns a single history record, or ErrNotFound.
	GetMerge(rid int64) (*MergeRecord, error)

	// LatestMerge returns the most recent history record, or ErrNotFound
	// when the history is empty.
	LatestMerge() (*MergeRecord, error)

	// MarkStaleInProgress rewrites IN_PROGRESS rows to CANCELED and returns
	// how many were affected. Called on daemon startup.
	MarkStaleInProgress() (int64, error)

	// RequestCancel records a cancellation request for the given merge.
	// Returns false when a request already existed.
	RequestCancel(rid int64, who string, when time.Time) (bool, error)

	// PeekCancel returns the cancellation for the given merge, or nil.
	PeekCancel(rid int64) (*Cancellation, error)

	// UpsertAccount inserts or updates one cached account.
	UpsertAccount(a *AccountInfo) error

	// UpsertAccounts upserts a batch of cached accounts.
	UpsertAccounts(accounts []*AccountInfo) error

	Close() error
}

// store implements Store on a gorm-wrapped SQLite handle.
type store struct {
	db *gorm.DB
}

// New opens (creating if necessary) the SQLite database at the given path
// and migrates the schema.
func New(path string) (Store, error) {
	db, err := gorm.Open("sqlite3", path)
	if err != nil {
		return nil, skerr.Wrapf(err, "failed to open database %s", path)
	}
	db.LogMode(false)
	if err := db.AutoMigrate(
		&AccountInfo{},
		&ChangeInfo{},
		&MergeStatus{},
		&MergeChange{},
		&Cancellation{},
	).Error; err != nil {
		_ = db.Close()
		return nil, skerr.Wrapf(err, "schema migration failed for %s", path)
	}
	return &store{db: db}, nil
}

// NewInMemory returns a Store backed by an in-memory SQLite database, for
// tests.
func NewInMemory() (Store, error) {
	return New(":memory:")
}

// See the Store interface.
func (s *store) NextPollID() (int64, error) {
	row := s.db.Table("change_info").Select("COALESCE(MAX(poll_id), 0)").Row()
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, skerr.Wrapf(err, "failed to read max poll id")
	}
	return max + 1, nil
}

// See the Store interface.
func (s *store) ReplaceQueue(pollID int64, rows []*ChangeInfo) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return skerr.Wrap(tx.Error)
	}
	for _, row := range rows {
		row.PollID = pollID
		if err := tx.Create(row).Error; err != nil {
			tx.Rollback()
			return skerr.Wrapf(err, "failed to insert queue row for change %s", row.ChangeID)
		}
	}
	if err := tx.Where("poll_id != ?", pollID).Delete(&ChangeInfo{}).Error; err != nil {
		tx.Rollback()
		return skerr.Wrapf(err, "failed to expire stale queue rows")
	}
	return skerr.Wrap(tx.Commit().Error)
}

// queueOrder is the merge order: the newest snapshot first, then priority
// (lower merges sooner), then the queue timestamp, with stable tiebreaks.
const queueOrder = "poll_id DESC, priority ASC, queue_time ASC, project ASC, change_id ASC"

// likeFiltered applies the optional project/branch LIKE filters.
func likeFiltered(q *gorm.DB, projectLike, branchLike string) *gorm.DB {
	if projectLike != "" {
		q = q.Where("project LIKE ?", projectLike)
	}
	if branchLike != "" {
		q = q.Where("branch LIKE ?", branchLike)
	}
	return q
}

// paginated applies offset/limit; limit <= 0 disables pagination. SQLite
// cannot OFFSET without a LIMIT, so the offset only applies alongside one.
func paginated(q *gorm.DB, offset, limit int) *gorm.DB {
	if limit > 0 {
		q = q.Limit(limit)
		if offset > 0 {
			q = q.Offset(offset)
		}
	}
	return q
}

// See the Store interface.
func (s *store) GetQueue(projectLike, branchLike string, offset, limit int) (int, []*QueueEntry, error) {
	q := likeFiltered(s.db.Model(&ChangeInfo{}), projectLike, branchLike)
	var count int
	if err := q.Count(&count).Error; err != nil {
		return 0, nil, skerr.Wrapf(err, "failed to count queue rows")
	}
	var rows []*ChangeInfo
	if err := paginated(q.Order(queueOrder), offset, limit).Find(&rows).Error; err != nil {
		return 0, nil, skerr.Wrapf(err, "failed to load queue rows")
	}
	ownerIDs := make([]int64, 0, len(rows))
	for _, row := range rows {
		ownerIDs = append(ownerIDs, row.OwnerID)
	}
	owners, err := s.accountsByID(ownerIDs)
	if err != nil {
		return 0, nil, err
	}
	entries := make([]*QueueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, &QueueEntry{
			ChangeInfo: *row,
			Owner:      owners[row.OwnerID],
		})
	}
	return count, entries, nil
}

// accountsByID loads the given accounts into a map, substituting an
// "<unknown>" placeholder for ids with no cached row.
func (s *store) accountsByID(ids []int64) (map[int64]*AccountInfo, error) {
	result := make(map[int64]*AccountInfo, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var accounts []*AccountInfo
	if err := s.db.Where("rid IN (?)", ids).Find(&accounts).Error; err != nil {
		return nil, skerr.Wrapf(err, "failed to load accounts")
	}
	for _, a := range accounts {
		result[a.RID] = a
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			result[id] = &AccountInfo{RID: id, Name: "<unknown>", Email: "<unknown>", Username: "<unknown>"}
		}
	}
	return result, nil
}

// See the Store interface.
func (s *store) CreateMerge(project, branch string, start time.Time) (int64, error) {
	var inProgress int
	err := s.db.Model(&MergeStatus{}).
		Where("project = ? AND branch = ? AND status = ?", project, branch, StatusInProgress).
		Count(&inProgress).Error
	if err != nil {
		return 0, skerr.Wrapf(err, "failed to check for an active merge")
	}
	if inProgress > 0 {
		return 0, skerr.Fmt("a merge is already in progress for %s/%s", project, branch)
	}
	record := &MergeStatus{
		Project:   project,
		Branch:    branch,
		StartTime: start,
		Status:    StatusInProgress,
	}
	if err := s.db.Create(record).Error; err != nil {
		return 0, skerr.Wrapf(err, "failed to create merge record for %s/%s", project, branch)
	}
	return record.RID, nil
}

// See the Store interface.
func (s *store) AppendMergeChange(mergeID int64, c *MergeChange) error {
	c.MergeID = mergeID
	if err := s.db.Create(c).Error; err != nil {
		return skerr.Wrapf(err, "failed to append change %s to merge %d", c.ChangeID, mergeID)
	}
	return nil
}

// See the Store interface.
func (s *store) UpdateMergeStatus(rid int64, status int, progress string, end time.Time) error {
	updates := map[string]interface{}{
		"status":   status,
		"progress": progress,
		"end_time": end,
	}
	q := s.db.Model(&MergeStatus{}).Where("rid = ?", rid).Updates(updates)
	if q.Error != nil {
		return skerr.Wrapf(q.Error, "failed to update merge %d", rid)
	}
	if q.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// mergeRecords resolves the changes and owners for the given history rows.
func (s *store) mergeRecords(rows []*MergeStatus) ([]*MergeRecord, error) {
	records := make([]*MergeRecord, 0, len(rows))
	for _, row := range rows {
		var changes []*MergeChange
		err := s.db.Where("merge_id = ?", row.RID).
			Order("request_time ASC, rid ASC").Find(&changes).Error
		if err != nil {
			return nil, skerr.Wrapf(err, "failed to load changes of merge %d", row.RID)
		}
		ownerIDs := make([]int64, 0, len(changes))
		for _, c := range changes {
			ownerIDs = append(ownerIDs, c.OwnerID)
		}
		owners, err := s.accountsByID(ownerIDs)
		if err != nil {
			return nil, err
		}
		record := &MergeRecord{MergeStatus: *row}
		for _, c := range changes {
			record.Changes = append(record.Changes, &MergeChangeRecord{
				MergeChange: *c,
				Owner:       owners[c.OwnerID],
			})
		}
		records = append(records, record)
	}
	return records, nil
}

// See the Store interface.
func (s *store) GetHistory(projectLike, branchLike string, offset, limit int) (int, []*MergeRecord, error) {
	q := likeFiltered(s.db.Model(&MergeStatus{}), projectLike, branchLike)
	var count int
	if err := q.Count(&count).Error; err != nil {
		return 0, nil, skerr.Wrapf(err, "failed to count history rows")
	}
	var rows []*MergeStatus
	if err := paginated(q.Order("rid DESC"), offset, limit).Find(&rows).Error; err != nil {
		return 0, nil, skerr.Wrapf(err, "failed to load history rows")
	}
	records, err := s.mergeRecords(rows)
	if err != nil {
		return 0, nil, err
	}
	return count, records, nil
}

// See the Store interface.
func (s *store) GetMerge(rid int64) (*MergeRecord, error) {
	row := &MergeStatus{}
	if err := s.db.Where("rid = ?", rid).First(row).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, skerr.Wrapf(err, "failed to load merge %d", rid)
	}
	records, err := s.mergeRecords([]*MergeStatus{row})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// See the Store interface.
func (s *store) LatestMerge() (*MergeRecord, error) {
	row := &MergeStatus{}
	if err := s.db.Order("rid DESC").First(row).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, skerr.Wrapf(err, "failed to load the latest merge")
	}
	records, err := s.mergeRecords([]*MergeStatus{row})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// See the Store interface.
func (s *store) MarkStaleInProgress() (int64, error) {
	q := s.db.Model(&MergeStatus{}).
		Where("status = ?", StatusInProgress).
		Update("status", StatusCanceled)
	if q.Error != nil {
		return 0, skerr.Wrapf(q.Error, "failed to cancel stale merges")
	}
	return q.RowsAffected, nil
}

// See the Store interface.
func (s *store) RequestCancel(rid int64, who string, when time.Time) (bool, error) {
	existing := &Cancellation{}
	err := s.db.Where("rid = ?", rid).First(existing).Error
	if err == nil {
		return false, nil
	}
	if !gorm.IsRecordNotFoundError(err) {
		return false, skerr.Wrapf(err, "failed to check for a cancellation of merge %d", rid)
	}
	c := &Cancellation{RID: rid, Who: who, When: when}
	if err := s.db.Create(c).Error; err != nil {
		return false, skerr.Wrapf(err, "failed to record cancellation of merge %d", rid)
	}
	return true, nil
}

// See the Store interface.
func (s *store) PeekCancel(rid int64) (*Cancellation, error) {
	c := &Cancellation{}
	if err := s.db.Where("rid = ?", rid).First(c).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, nil
		}
		return nil, skerr.Wrapf(err, "failed to read cancellation of merge %d", rid)
	}
	return c, nil
}

// See the Store interface.
func (s *store) UpsertAccount(a *AccountInfo) error {
	fill := *a
	if fill.Name == "" {
		fill.Name = noneValue
	}
	if fill.Email == "" {
		fill.Email = noneValue
	}
	if fill.Username == "" {
		fill.Username = noneValue
	}
	existing := &AccountInfo{}
	err := s.db.Where("rid = ?", fill.RID).First(existing).Error
	if gorm.IsRecordNotFoundError(err) {
		return skerr.Wrapf(s.db.Create(&fill).Error, "failed to insert account %d", fill.RID)
	}
	if err != nil {
		return skerr.Wrapf(err, "failed to look up account %d", fill.RID)
	}
	err = s.db.Model(&AccountInfo{}).Where("rid = ?", fill.RID).Updates(map[string]interface{}{
		"name":     fill.Name,
		"email":    fill.Email,
		"username": fill.Username,
	}).Error
	return skerr.Wrapf(err, "failed to update account %d", fill.RID)
}

// See the Store interface.
func (s *store) UpsertAccounts(accounts []*AccountInfo) error {
	for _, a := range accounts {
		if err := s.UpsertAccount(a); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *store) Close() error {
	return s.db.Close()
}
