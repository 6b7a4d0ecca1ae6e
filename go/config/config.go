// Package config loads the merge queue's operator configuration from a
// JSON5 file and validates the queue specifications in it.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/flynn/json5"

	"github.com/cheshirekow/gerrit-mq/go/skerr"
	"github.com/cheshirekow/gerrit-mq/go/sklog"
	"github.com/cheshirekow/gerrit-mq/go/util"
)

const (
	// DefaultPollPeriod is used when daemon.poll_period is unset.
	DefaultPollPeriod = 60 * time.Second

	DefaultPidfilePath         = "./pid"
	DefaultOfflineSentinelPath = "./pause"

	// DefaultSSHPort is Gerrit's standard SSH listen port.
	DefaultSSHPort = 29418
)

// EnvValue is one value in a queue's build environment. The config may give
// it as a plain string or, for list-valued variables like PATH, as a list of
// elements to join.
type EnvValue struct {
	str  string
	list []string
}

// UnmarshalJSON accepts either a string or a list of strings.
func (v *EnvValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json5.Unmarshal(b, &s); err == nil {
		*v = EnvValue{str: s}
		return nil
	}
	var l []string
	if err := json5.Unmarshal(b, &l); err != nil {
		return skerr.Fmt("environment value must be a string or list of strings: %s", string(b))
	}
	*v = EnvValue{list: l}
	return nil
}

// MarshalJSON renders the value back in the form it was given.
func (v EnvValue) MarshalJSON() ([]byte, error) {
	if v.list != nil {
		return json.Marshal(v.list)
	}
	return json.Marshal(v.str)
}

// IsList returns true iff the value was given as a list.
func (v EnvValue) IsList() bool {
	return v.list != nil
}

// Resolve flattens the value for the given variable name. List values join
// with the platform's path list separator, which is only meaningful for
// *PATH variables; Validate rejects lists elsewhere.
func (v EnvValue) Resolve(key string) string {
	if v.list != nil {
		return strings.Join(v.list, string(os.PathListSeparator))
	}
	return v.str
}

// QueueSpec describes one queue of serialized merges: which (project,
// branch) it serves and how to verify changes against it.
type QueueSpec struct {
	// Project is the exact Gerrit project name.
	Project string `json:"project"`

	// Branch is a regex matched against target branch names.
	Branch string `json:"branch"`

	// Name identifies the queue within the project. Defaults to Branch when
	// the pattern is a plain branch name.
	Name string `json:"name"`

	// BuildEnv is the environment for build steps, keyed by variable name.
	BuildEnv map[string]EnvValue `json:"build_env"`

	// MergeBuildEnv overlays BuildEnv onto the daemon's own environment
	// instead of replacing it.
	MergeBuildEnv bool `json:"merge_build_env"`

	// BuildSteps are the verification commands, run in order.
	BuildSteps [][]string `json:"build_steps"`

	// SubmitWithRest selects submission through the Gerrit REST API
	// (default) versus running SubmitCmd per change.
	SubmitWithRest bool `json:"submit_with_rest"`

	// SubmitCmd is the command which merges and pushes one change when
	// SubmitWithRest is false.
	SubmitCmd []string `json:"submit_cmd"`

	// CoalesceCount caps how many changes one coalesced verification may
	// cover. Zero inherits the daemon-wide setting.
	CoalesceCount int `json:"coalesce_count"`

	branchRe *regexp.Regexp
}

// UnmarshalJSON applies the non-zero default for submit_with_rest.
func (q *QueueSpec) UnmarshalJSON(b []byte) error {
	type alias QueueSpec
	tmp := struct {
		*alias
		SubmitWithRest *bool `json:"submit_with_rest"`
	}{alias: (*alias)(q)}
	if err := json5.Unmarshal(b, &tmp); err != nil {
		return skerr.Wrap(err)
	}
	q.SubmitWithRest = tmp.SubmitWithRest == nil || *tmp.SubmitWithRest
	return nil
}

// Validate compiles the branch pattern, applies the name-defaulting rule and
// checks the spec for the problems we can catch before running anything.
func (q *QueueSpec) Validate() error {
	if q.Project == "" {
		return skerr.Fmt("queue spec is missing a project")
	}
	if q.Branch == "" {
		return skerr.Fmt("queue spec for project %q is missing a branch", q.Project)
	}
	re, err := regexp.Compile(q.Branch)
	if err != nil {
		return skerr.Wrapf(err, "invalid branch pattern %q for project %q", q.Branch, q.Project)
	}
	q.branchRe = re
	if q.Name == "" {
		// A pattern with no metacharacters is a plain branch name and can
		// double as the queue name.
		if regexp.QuoteMeta(q.Branch) != q.Branch {
			return skerr.Fmt("queue spec %q/%q needs an explicit name since the branch is a pattern", q.Project, q.Branch)
		}
		q.Name = q.Branch
	}
	if len(q.BuildSteps) == 0 {
		return skerr.Fmt("queue %s/%s has no build steps", q.Project, q.Name)
	}
	for i, step := range q.BuildSteps {
		if len(step) == 0 {
			return skerr.Fmt("queue %s/%s build step %d is empty", q.Project, q.Name, i)
		}
	}
	if !q.SubmitWithRest && len(q.SubmitCmd) == 0 {
		return skerr.Fmt("queue %s/%s disables REST submission but has no submit_cmd", q.Project, q.Name)
	}
	for key, value := range q.BuildEnv {
		if value.IsList() && !strings.HasSuffix(key, "PATH") {
			return skerr.Fmt("queue %s/%s: env var %s is a list but only *PATH variables may be lists", q.Project, q.Name, key)
		}
	}
	return nil
}

// MatchesBranch returns true iff the given branch name matches this queue's
// pattern. Validate must have succeeded first.
func (q *QueueSpec) MatchesBranch(branch string) bool {
	return q.branchRe.MatchString(branch)
}

// Env returns the flattened build environment.
func (q *QueueSpec) Env() map[string]string {
	env := make(map[string]string, len(q.BuildEnv))
	for key, value := range q.BuildEnv {
		env[key] = value.Resolve(key)
	}
	return env
}

// WorkspaceDir returns where this queue's clone lives under the daemon's
// workspace root.
func (q *QueueSpec) WorkspaceDir(root string) string {
	return filepath.Join(root, q.Project, q.Name)
}

// RestConfig holds the Gerrit REST endpoint and digest credentials.
type RestConfig struct {
	URL                    string `json:"url"`
	Username               string `json:"username"`
	Password               string `json:"password"`
	DisableSSLVerification bool   `json:"disable_ssl_verification"`
}

// SSHConfig holds the coordinates git uses to clone over SSH.
type SSHConfig struct {
	Username string `json:"username"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// RepoURL returns the ssh:// clone URL for the given project.
func (c *SSHConfig) RepoURL(project string) string {
	return fmt.Sprintf("ssh://%s@%s:%d/%s.git", c.Username, c.Host, c.Port, project)
}

// GerritConfig groups the two ways we talk to Gerrit.
type GerritConfig struct {
	Rest RestConfig `json:"rest"`
	SSH  SSHConfig  `json:"ssh"`
}

// WebfrontConfig configures the inspection frontend.
type WebfrontConfig struct {
	// Listen is the address the frontend binds, eg. ":8084".
	Listen string `json:"listen"`

	// URL is the public base URL used in review comments.
	URL string `json:"url"`
}

// CcacheConfig sizes a compiler cache shared by build steps.
type CcacheConfig struct {
	Path string `json:"path"`
	Size string `json:"size"`
}

// DaemonConfig configures the merge daemon itself.
type DaemonConfig struct {
	// Queues lists (project, name) pairs of the queue specs this daemon
	// serves, in priority order.
	Queues [][]string `json:"queues"`

	// WorkspacePath is the root under which clones are kept.
	WorkspacePath string `json:"workspace_path"`

	// CoalesceCount is the default cap on coalesced verification size.
	CoalesceCount int `json:"coalesce_count"`

	// OfflineSentinelPath pauses the daemon while the file exists.
	OfflineSentinelPath string `json:"offline_sentinel_path"`

	// PollPeriodSec is the minimum seconds between laps of the main loop.
	PollPeriodSec int `json:"poll_period"`

	Ccache      *CcacheConfig `json:"ccache"`
	PidfilePath string        `json:"pidfile_path"`

	// Silent suppresses review comments and label changes on Gerrit.
	Silent bool `json:"silent"`
}

// PollPeriod returns the configured poll period as a duration.
func (c *DaemonConfig) PollPeriod() time.Duration {
	if c.PollPeriodSec <= 0 {
		return DefaultPollPeriod
	}
	return time.Duration(c.PollPeriodSec) * time.Second
}

// Config is the root of the merge queue configuration file.
type Config struct {
	DBPath   string         `json:"db_path"`
	LogPath  string         `json:"log_path"`
	Gerrit   GerritConfig   `json:"gerrit"`
	Webfront WebfrontConfig `json:"webfront"`
	Daemon   DaemonConfig   `json:"daemon"`
	Queues   []*QueueSpec   `json:"queues"`
}

// Validate checks the whole config and fills in defaults. Queue validation
// errors are fatal; daemon queue references which don't resolve only warn,
// so one bad entry doesn't take down the other queues.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return skerr.Fmt("config is missing db_path")
	}
	if c.LogPath == "" {
		return skerr.Fmt("config is missing log_path")
	}
	if c.Gerrit.Rest.URL == "" {
		return skerr.Fmt("config is missing gerrit.rest.url")
	}
	if c.Gerrit.SSH.Port == 0 {
		c.Gerrit.SSH.Port = DefaultSSHPort
	}
	if c.Daemon.PidfilePath == "" {
		c.Daemon.PidfilePath = DefaultPidfilePath
	}
	if c.Daemon.OfflineSentinelPath == "" {
		c.Daemon.OfflineSentinelPath = DefaultOfflineSentinelPath
	}
	seen := map[string]bool{}
	for _, q := range c.Queues {
		if err := q.Validate(); err != nil {
			return skerr.Wrap(err)
		}
		if q.CoalesceCount == 0 {
			q.CoalesceCount = c.Daemon.CoalesceCount
		}
		key := q.Project + "/" + q.Name
		if seen[key] {
			return skerr.Fmt("duplicate queue spec %s", key)
		}
		seen[key] = true
	}
	for _, ref := range c.Daemon.Queues {
		if len(ref) != 2 {
			return skerr.Fmt("daemon.queues entries must be [project, name] pairs, got %v", ref)
		}
	}
	return nil
}

// DaemonQueues resolves daemon.queues against the queue specs, preserving
// order and skipping references with no matching spec.
func (c *Config) DaemonQueues() []*QueueSpec {
	index := make(map[string]*QueueSpec, len(c.Queues))
	for _, q := range c.Queues {
		index[q.Project+"/"+q.Name] = q
	}
	specs := make([]*QueueSpec, 0, len(c.Daemon.Queues))
	for _, ref := range c.Daemon.Queues {
		spec, ok := index[ref[0]+"/"+ref[1]]
		if !ok {
			sklog.Warningf("daemon queue not listed in queue index: %s/%s", ref[0], ref[1])
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

// MatchQueue returns the first daemon queue serving the given (project,
// branch), or nil.
func (c *Config) MatchQueue(project, branch string) *QueueSpec {
	for _, q := range c.DaemonQueues() {
		if q.Project == project && q.MatchesBranch(branch) {
			return q
		}
	}
	return nil
}

// Load reads, decodes and validates the config file at the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	err := util.WithReadFile(path, func(r io.Reader) error {
		return json5.NewDecoder(r).Decode(cfg)
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "failed to read config from %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, skerr.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}
