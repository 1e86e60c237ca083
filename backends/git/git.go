// Package git harvests the commit history of a git repository. Remote
// repositories are cloned into memory; local paths are opened in place when
// allowed.
//
// Source configuration:
//
//	branch       branch to walk (default: HEAD)
//	max_commits  newest commits to harvest (default 100)
//	since        only commits after an RFC3339 timestamp or a YYYY-MM-DD date
//	stats        include per-file line counts in records
package git

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/internal/httpclient"
)

// Name is the registry name of the backend.
const Name = "git"

// DefaultMaxCommits bounds discovery when max_commits is not set.
const DefaultMaxCommits = 100

// Config holds the process-wide settings of the backend.
type Config struct {
	// HTTP is the destination policy applied to clone URLs.
	HTTP httpclient.Options
	// AllowLocal permits sources pointing at a path on this host.
	AllowLocal bool
}

// Backend harvests one repository.
type Backend struct {
	source     *harvest.Source
	log        *zap.SugaredLogger
	location   location
	branch     string
	maxCommits int
	since      *time.Time
	stats      bool

	mu   sync.Mutex
	repo *git.Repository
}

type location struct {
	path string // set for local repositories
	url  string // set for remote repositories
}

// Factory returns a harvest.Factory for git sources.
func Factory(cfg Config) harvest.Factory {
	policy := httpclient.New(cfg.HTTP)
	return func(source *harvest.Source, opts harvest.Options) (harvest.Backend, error) {
		loc, err := resolve(source.URL, policy, cfg.AllowLocal)
		if err != nil {
			return nil, err
		}
		maxCommits := int(source.Config.IntOr("max_commits", DefaultMaxCommits))
		if maxCommits <= 0 {
			return nil, errors.Newf("max_commits must be positive, got %d", maxCommits)
		}
		since, err := parseSince(source.Config.StringOr("since", ""))
		if err != nil {
			return nil, err
		}
		stats, _ := source.Config.Bool("stats")

		log := opts.Logger
		if log == nil {
			log = zap.NewNop().Sugar()
		}
		return &Backend{
			source:     source,
			log:        log,
			location:   loc,
			branch:     source.Config.StringOr("branch", ""),
			maxCommits: maxCommits,
			since:      since,
			stats:      stats,
		}, nil
	}
}

// resolve decides whether raw names a remote repository or a local path.
func resolve(raw string, policy *httpclient.Client, allowLocal bool) (location, error) {
	if raw == "" {
		return location{}, errors.New("repository URL is required")
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Scheme != "file" && len(u.Scheme) > 1 {
		if _, err := policy.Validate(raw); err != nil {
			return location{}, errors.Wrap(err, "repository URL")
		}
		return location{url: raw}, nil
	}
	if !allowLocal {
		return location{}, errors.WithHint(
			errors.Newf("local repository %q is not allowed", raw),
			"enable harvest.allow_local_sources to harvest paths on this host")
	}
	path := strings.TrimPrefix(raw, "file://")
	if !isRepository(path) {
		return location{}, errors.Newf("not a git repository: %s", path)
	}
	return location{path: path}, nil
}

func isRepository(path string) bool {
	if info, err := os.Stat(filepath.Join(path, ".git")); err == nil && info.IsDir() {
		return true
	}
	// bare repositories
	info, err := os.Stat(filepath.Join(path, "HEAD"))
	return err == nil && !info.IsDir()
}

func parseSince(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return &t, nil
	}
	return nil, errors.Newf("invalid since value %q (use an RFC3339 timestamp or a YYYY-MM-DD date)", s)
}

// Initialize opens or clones the repository and adds one item per commit,
// newest first.
func (b *Backend) Initialize(ctx context.Context, job *harvest.Job) error {
	repo, err := b.open(ctx)
	if err != nil {
		return err
	}

	from, err := b.head(repo)
	if err != nil {
		return err
	}
	iter, err := repo.Log(&git.LogOptions{
		From:  from,
		Order: git.LogOrderCommitterTime,
		Since: b.since,
	})
	if err != nil {
		return errors.Wrap(err, "read history")
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(job.Items) >= b.maxCommits {
			return storer.ErrStop
		}
		job.AddItem(c.Hash.String(), nil, harvest.Values{
			"author": harvest.StringValue(c.Author.Email),
			"when":   harvest.StringValue(c.Author.When.UTC().Format(time.RFC3339)),
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "walk history")
	}

	b.mu.Lock()
	b.repo = repo
	b.mu.Unlock()
	b.log.Infow("Repository history read", "commits", len(job.Items), "branch", b.branch)
	return nil
}

func (b *Backend) open(ctx context.Context) (*git.Repository, error) {
	if b.location.path != "" {
		repo, err := git.PlainOpen(b.location.path)
		return repo, errors.Wrapf(err, "open repository %s", b.location.path)
	}

	b.log.Infow("Cloning repository", "url", b.location.url, "depth", b.maxCommits)
	opts := &git.CloneOptions{
		URL:          b.location.url,
		Depth:        b.maxCommits,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if b.branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(b.branch)
	}
	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, opts)
	return repo, errors.Wrapf(err, "clone %s", b.location.url)
}

func (b *Backend) head(repo *git.Repository) (plumbing.Hash, error) {
	if b.branch == "" {
		ref, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, errors.Wrap(err, "resolve HEAD")
		}
		return ref.Hash(), nil
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(b.branch), true)
	if err != nil {
		// clones only carry the remote-tracking ref for local checkouts
		ref, err = repo.Reference(plumbing.NewRemoteReferenceName("origin", b.branch), true)
	}
	if err != nil {
		return plumbing.ZeroHash, errors.Wrapf(err, "resolve branch %q", b.branch)
	}
	return ref.Hash(), nil
}

// Process reads one commit.
func (b *Backend) Process(ctx context.Context, item *harvest.Item) ([]harvest.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.repo == nil {
		return nil, errors.New("repository not opened")
	}

	commit, err := b.repo.CommitObject(plumbing.NewHash(item.RemoteID))
	if err != nil {
		return nil, errors.Wrapf(err, "load commit %s", item.RemoteID)
	}

	parents := make([]any, 0, commit.NumParents())
	for _, p := range commit.ParentHashes {
		parents = append(parents, p.String())
	}
	data := map[string]any{
		"hash":      commit.Hash.String(),
		"short":     commit.Hash.String()[:7],
		"subject":   strings.SplitN(strings.TrimSpace(commit.Message), "\n", 2)[0],
		"message":   commit.Message,
		"author":    commit.Author.Name,
		"email":     commit.Author.Email,
		"committer": commit.Committer.Name,
		"when":      commit.Author.When.UTC().Format(time.RFC3339),
		"parents":   parents,
	}
	if b.stats {
		fileStats, err := commit.StatsContext(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "diff commit %s", item.RemoteID)
		}
		files := make([]any, 0, len(fileStats))
		for _, fs := range fileStats {
			files = append(files, map[string]any{
				"name":      fs.Name,
				"additions": fs.Addition,
				"deletions": fs.Deletion,
			})
		}
		data["files"] = files
	}
	return []harvest.Record{{RemoteID: item.RemoteID, Kind: "commit", Data: data}}, nil
}

// Close releases the repository.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.repo = nil
	b.mu.Unlock()
	return nil
}
