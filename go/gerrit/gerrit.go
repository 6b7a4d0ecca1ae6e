// Package gerrit provides a typed client for the subset of the Gerrit REST
// API that the merge queue needs: listing ready changes, reading single
// changes, posting reviews, and submitting.
package gerrit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cheshirekow/gerrit-mq/go/httputils"
	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
	"github.com/cheshirekow/gerrit-mq/go/util"
)

const (
	// TimeFormat is the layout of timestamps in Gerrit JSON responses, UTC
	// with a variable-width fractional second.
	TimeFormat = "2006-01-02 15:04:05.999999999"

	ChangeStatusAbandoned = "ABANDONED"
	ChangeStatusMerged    = "MERGED"
	ChangeStatusNew       = "NEW"

	// SubmitStatusSubmitted is the only submit response status treated as
	// success; anything else fails closed.
	SubmitStatusSubmitted = "SUBMITTED"

	CodeReviewLabel = "Code-Review"
	MergeQueueLabel = "Merge-Queue"

	MergeQueueNone    = 0
	MergeQueueApprove = 1
	MergeQueueReject  = -1

	// NotifyNone suppresses Gerrit's review emails.
	NotifyNone = "NONE"

	// MaxQueryLimit is the largest page size Gerrit will serve.
	MaxQueryLimit = 500
)

// ErrNotFound is returned when Gerrit responds 404 for a change or account.
var ErrNotFound = errors.New("not found on the Gerrit server")

// AccountInfo describes a Gerrit user.
type AccountInfo struct {
	AccountID    int64  `json:"_account_id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	MoreAccounts bool   `json:"_more_accounts"`
}

// LabelDetail is one vote on a label, from the label's "all" list.
type LabelDetail struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date"`
	Value int    `json:"value"`
}

// LabelEntry is the detailed history of one label on a change.
type LabelEntry struct {
	All []*LabelDetail `json:"all"`
}

// CommitInfo carries the commit message of a revision.
type CommitInfo struct {
	Message string `json:"message"`
}

// RevisionInfo is one patchset of a change.
type RevisionInfo struct {
	Number int64       `json:"_number"`
	Commit *CommitInfo `json:"commit"`
}

// ChangeInfo is a Gerrit change as returned by the changes endpoints with
// CURRENT_REVISION, CURRENT_COMMIT, DETAILED_LABELS and DETAILED_ACCOUNTS
// options.
type ChangeInfo struct {
	ID              string                   `json:"id"`
	Project         string                   `json:"project"`
	Branch          string                   `json:"branch"`
	ChangeID        string                   `json:"change_id"`
	Subject         string                   `json:"subject"`
	Status          string                   `json:"status"`
	CurrentRevision string                   `json:"current_revision"`
	Owner           *AccountInfo             `json:"owner"`
	Labels          map[string]*LabelEntry   `json:"labels"`
	Revisions       map[string]*RevisionInfo `json:"revisions"`
	MoreChanges     bool                     `json:"_more_changes"`
}

// IsClosed returns true iff the change is abandoned or merged.
func (c *ChangeInfo) IsClosed() bool {
	return c.Status == ChangeStatusAbandoned || c.Status == ChangeStatusMerged
}

// CommitMessage returns the commit message of the current revision, or ""
// when the response did not include it.
func (c *ChangeInfo) CommitMessage() string {
	if rev, ok := c.Revisions[c.CurrentRevision]; ok && rev.Commit != nil {
		return rev.Commit.Message
	}
	return ""
}

// SearchTerm is one key:value filter for a change query.
type SearchTerm struct {
	Key   string
	Value string
}

// SearchProject filters a query by project.
func SearchProject(project string) *SearchTerm {
	return &SearchTerm{Key: "project", Value: project}
}

// SearchBranch filters a query by target branch.
func SearchBranch(branch string) *SearchTerm {
	return &SearchTerm{Key: "branch", Value: branch}
}

// readyTerms are the filters which define "ready to merge": a NEW change
// that has been code-reviewed +2 and scored Merge-Queue +1.
var readyTerms = []*SearchTerm{
	{Key: "status", Value: "new"},
	{Key: "label", Value: "code-review=+2"},
	{Key: "label", Value: "merge-queue=+1"},
}

// queryString encodes terms in Gerrit's space-separated key:value format.
func queryString(terms []*SearchTerm) string {
	q := make([]string, 0, len(terms))
	for _, t := range terms {
		q = append(q, fmt.Sprintf("%s:%s", t.Key, t.Value))
	}
	return strings.Join(q, " ")
}

// Gerrit is the interface the merge queue requires from the review server.
type Gerrit interface {
	// ListReady returns one page of ready-to-merge changes, in queue order,
	// along with a flag indicating whether more pages remain. Changes whose
	// resolved Merge-Queue score is not +1 are filtered out.
	ListReady(ctx context.Context, extra []*SearchTerm, offset, limit int) ([]*ChangeInfo, bool, error)

	// GetChange returns the current upstream view of a single change,
	// including its detailed label history. Returns ErrNotFound when the
	// change does not exist.
	GetChange(ctx context.Context, id string) (*ChangeInfo, error)

	// SetReview posts a review message on the given revision, optionally
	// adjusting label values. notify may be NotifyNone to suppress email.
	SetReview(ctx context.Context, id, revision, message string, labels map[string]int, notify string) error

	// Submit instructs Gerrit to merge the change. Any response status
	// other than SUBMITTED is an error.
	Submit(ctx context.Context, id string) error

	// ListAccounts returns one page of the server's account table and a
	// more-pages flag.
	ListAccounts(ctx context.Context, offset, limit int) ([]*AccountInfo, bool, error)

	// LookupAccount resolves an account by id, email or username. Returns
	// ErrNotFound when no account matches.
	LookupAccount(ctx context.Context, query string) (*AccountInfo, error)
}

// Client implements Gerrit over HTTP with digest authentication.
type Client struct {
	url    string
	client *http.Client
}

// NewClient returns a Client for the Gerrit instance at the given URL. The
// http.Client should normally come from NewAuthTransport, but tests may pass
// any client.
func NewClient(gerritURL string, client *http.Client) *Client {
	if client == nil {
		client = httputils.NewTimeoutClient()
	}
	return &Client{
		url:    strings.TrimRight(gerritURL, "/"),
		client: client,
	}
}

// Url returns the base URL of the Gerrit instance.
func (g *Client) Url() string {
	return g.url
}

// get performs a GET against the authenticated endpoint and decodes the
// JSON body, stripping Gerrit's XSS prefix.
func (g *Client) get(ctx context.Context, suburl string, rv interface{}) error {
	getURL := g.url + "/a" + suburl
	resp, err := httputils.GetWithContext(ctx, g.client, getURL)
	if err != nil {
		return skerr.Wrapf(err, "failed to GET %s", getURL)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return skerr.Fmt("error retrieving %s: %d %s", getURL, resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return skerr.Wrapf(err, "could not read response body from %s", getURL)
	}
	return parseResponse(body, rv)
}

// post performs a POST of JSON data against the authenticated endpoint and
// optionally decodes the response.
func (g *Client) post(ctx context.Context, suburl string, postData interface{}, rv interface{}) error {
	b, err := json.Marshal(postData)
	if err != nil {
		return skerr.Wrap(err)
	}
	postURL := g.url + "/a" + suburl
	resp, err := httputils.PostWithContext(ctx, g.client, postURL, "application/json", bytes.NewReader(b))
	if err != nil {
		return skerr.Wrapf(err, "failed to POST %s", postURL)
	}
	defer util.Close(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return skerr.Fmt("error posting to %s: %d %s", postURL, resp.StatusCode, resp.Status)
	}
	if rv == nil {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return skerr.Wrapf(err, "could not read response body from %s", postURL)
	}
	return parseResponse(body, rv)
}

// parseResponse strips the ")]}'" XSS prefix and unmarshals the remainder.
func parseResponse(body []byte, rv interface{}) error {
	parts := bytes.SplitN(body, []byte("\n"), 2)
	if len(parts) != 2 {
		return skerr.Fmt("missing XSS prefix in Gerrit response: %q", string(body))
	}
	if err := json.Unmarshal(parts[1], rv); err != nil {
		return skerr.Wrapf(err, "failed to decode Gerrit JSON")
	}
	return nil
}

// detailOptions are the o= output options requested on every change query.
// CURRENT_COMMIT saves a second round trip for the commit message.
var detailOptions = []string{
	"CURRENT_REVISION",
	"CURRENT_COMMIT",
	"LABELS",
	"DETAILED_LABELS",
	"DETAILED_ACCOUNTS",
}

func detailQuery() url.Values {
	q := url.Values{}
	for _, o := range detailOptions {
		q.Add("o", o)
	}
	return q
}

// See the Gerrit interface.
func (g *Client) ListReady(ctx context.Context, extra []*SearchTerm, offset, limit int) ([]*ChangeInfo, bool, error) {
	terms := make([]*SearchTerm, 0, len(extra)+len(readyTerms))
	terms = append(terms, extra...)
	terms = append(terms, readyTerms...)

	q := detailQuery()
	q.Add("q", queryString(terms))
	q.Add("S", strconv.Itoa(offset))
	q.Add("n", strconv.Itoa(util.MinInt(limit, MaxQueryLimit)))

	var page []*ChangeInfo
	if err := g.get(ctx, "/changes/?"+q.Encode(), &page); err != nil {
		return nil, false, skerr.Wrapf(err, "change query failed")
	}

	ready := make([]*ChangeInfo, 0, len(page))
	more := false
	for _, c := range page {
		// _more_changes is only set on the last entry of a page.
		more = more || c.MoreChanges
		if _, score := ResolveMergeQueue(c); score != MergeQueueApprove {
			sklog.Infof("Skipping change %s with resolved Merge-Queue score %d", c.ChangeID, score)
			continue
		}
		ready = append(ready, c)
	}
	return ready, more, nil
}

// See the Gerrit interface.
func (g *Client) GetChange(ctx context.Context, id string) (*ChangeInfo, error) {
	q := detailQuery()
	change := &ChangeInfo{}
	if err := g.get(ctx, fmt.Sprintf("/changes/%s?%s", url.PathEscape(id), q.Encode()), change); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, skerr.Wrapf(err, "failed to load change %s", id)
	}
	return change, nil
}

// reviewInput is the body of a set-review POST.
type reviewInput struct {
	Message string         `json:"message"`
	Labels  map[string]int `json:"labels,omitempty"`
	Notify  string         `json:"notify,omitempty"`
}

// See the Gerrit interface.
func (g *Client) SetReview(ctx context.Context, id, revision, message string, labels map[string]int, notify string) error {
	suburl := fmt.Sprintf("/changes/%s/revisions/%s/review", url.PathEscape(id), url.PathEscape(revision))
	return g.post(ctx, suburl, &reviewInput{
		Message: message,
		Labels:  labels,
		Notify:  notify,
	}, nil)
}

// submitResult is the subset of the submit response the queue cares about.
type submitResult struct {
	Status string `json:"status"`
}

// See the Gerrit interface.
func (g *Client) Submit(ctx context.Context, id string) error {
	result := submitResult{}
	if err := g.post(ctx, fmt.Sprintf("/changes/%s/submit", url.PathEscape(id)), struct{}{}, &result); err != nil {
		return skerr.Wrapf(err, "submit of %s failed", id)
	}
	if result.Status != SubmitStatusSubmitted {
		return skerr.Fmt("Gerrit refused to submit change %s: status %q", id, result.Status)
	}
	return nil
}

// See the Gerrit interface.
func (g *Client) ListAccounts(ctx context.Context, offset, limit int) ([]*AccountInfo, bool, error) {
	q := url.Values{}
	q.Add("S", strconv.Itoa(offset))
	q.Add("n", strconv.Itoa(util.MinInt(limit, MaxQueryLimit)))
	q.Add("o", "DETAILS")
	var page []*AccountInfo
	if err := g.get(ctx, "/accounts/?q=is:active&"+q.Encode(), &page); err != nil {
		return nil, false, skerr.Wrapf(err, "account query failed")
	}
	more := len(page) > 0 && page[len(page)-1].MoreAccounts
	return page, more, nil
}

// See the Gerrit interface.
func (g *Client) LookupAccount(ctx context.Context, query string) (*AccountInfo, error) {
	account := &AccountInfo{}
	if err := g.get(ctx, fmt.Sprintf("/accounts/%s", url.PathEscape(query)), account); err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, skerr.Wrapf(err, "failed to look up account %q", query)
	}
	return account, nil
}

// Ensure Client implements the interface.
var _ Gerrit = (*Client)(nil)
