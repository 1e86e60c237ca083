// Package files harvests data files fetched with go-getter: local
// directories, git repositories, archives and plain HTTP downloads. Each
// matching file is one item; its rows or documents become records.
//
// Source configuration:
//
//	pattern    glob matched against file names (default: every supported file)
//	items_key  field holding the record array inside JSON, YAML and TOML documents
//	kind       record kind (default "row")
//	id_field   record field used as remote id (default: file name and index)
package files

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	getter "github.com/hashicorp/go-getter"
	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/internal/httpclient"
)

// Name is the registry name of the backend.
const Name = "files"

// Config holds the process-wide settings of the backend.
type Config struct {
	// HTTP is the client policy for http and https downloads.
	HTTP httpclient.Options
	// AllowLocal permits file:// sources and bare paths on this host.
	AllowLocal bool
	// WorkDir is where downloads are staged. Empty uses the system temp dir.
	WorkDir string
}

// Backend harvests the files of one source.
type Backend struct {
	source  *harvest.Source
	cfg     Config
	client  *httpclient.Client
	log     *zap.SugaredLogger
	pattern string
	kind    string
	idField string
	key     string

	mu      sync.Mutex
	staging string
	paths   map[string]string // remote id -> local file
}

// Factory returns a harvest.Factory for file sources.
func Factory(cfg Config) harvest.Factory {
	return func(source *harvest.Source, opts harvest.Options) (harvest.Backend, error) {
		if source.URL == "" {
			return nil, errors.New("source URL is required")
		}
		pattern := source.Config.StringOr("pattern", "")
		if pattern != "" {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
			}
		}
		log := opts.Logger
		if log == nil {
			log = zap.NewNop().Sugar()
		}
		return &Backend{
			source:  source,
			cfg:     cfg,
			client:  httpclient.New(cfg.HTTP),
			log:     log,
			pattern: pattern,
			kind:    source.Config.StringOr("kind", "row"),
			idField: source.Config.StringOr("id_field", ""),
			key:     source.Config.StringOr("items_key", ""),
			paths:   make(map[string]string),
		}, nil
	}
}

// Initialize downloads the source and adds one item per matching file, in
// lexical order of their paths.
func (b *Backend) Initialize(ctx context.Context, job *harvest.Job) error {
	pwd, err := os.Getwd()
	if err != nil {
		pwd = "."
	}
	src, err := getter.Detect(b.source.URL, pwd, getter.Detectors)
	if err != nil {
		return errors.Wrapf(err, "detect source %q", b.source.URL)
	}
	if err := b.checkSource(src); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(b.cfg.WorkDir, "harvest-files-*")
	if err != nil {
		return errors.Wrap(err, "create staging directory")
	}
	b.mu.Lock()
	b.staging = staging
	b.mu.Unlock()

	dst := filepath.Join(staging, "src")
	client := &getter.Client{
		Ctx:     ctx,
		Src:     src,
		Dst:     dst,
		Pwd:     pwd,
		Mode:    getter.ClientModeAny,
		Getters: b.getters(),
	}
	b.log.Infow("Fetching files", "source", src)
	if err := client.Get(); err != nil {
		return errors.Wrapf(err, "fetch %s", b.source.URL)
	}

	// local sources are symlinked into the staging directory
	root, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return errors.Wrap(err, "resolve fetched files")
	}
	found, err := b.collect(root, src)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.paths[id] = found[id]
		job.AddItem(id, []string{id}, harvest.Values{
			"format": harvest.StringValue(string(formatOf(id))),
		})
	}
	return nil
}

// checkSource applies the destination policy to a detected go-getter URL.
func (b *Backend) checkSource(src string) error {
	// strip forced getters such as "git::https://..."
	raw := src
	if i := strings.Index(raw, "::"); i >= 0 {
		raw = raw[i+2:]
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "parse source %q", src)
	}
	switch u.Scheme {
	case "file":
		if !b.cfg.AllowLocal {
			return errors.WithHint(
				errors.Newf("local source %q is not allowed", b.source.URL),
				"enable harvest.allow_local_sources to harvest paths on this host")
		}
		return nil
	case "http", "https":
		_, err := b.client.Validate(raw)
		return err
	default:
		return errors.Newf("unsupported source scheme %q", u.Scheme)
	}
}

// getters returns fresh getters for the schemes checkSource accepts. HTTP
// downloads go through the policy client.
func (b *Backend) getters() map[string]getter.Getter {
	httpGetter := &getter.HttpGetter{Client: b.client.HTTP(), Netrc: false}
	return map[string]getter.Getter{
		"file":  new(getter.FileGetter),
		"git":   new(getter.GitGetter),
		"http":  httpGetter,
		"https": httpGetter,
	}
}

// collect maps remote ids (slash-separated paths relative to root) to
// local files. A single fetched file is named after the source URL.
func (b *Backend) collect(root, src string) (map[string]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "stat fetched files")
	}
	found := make(map[string]string)
	if !info.IsDir() {
		name := sourceFileName(src)
		if b.matches(name) {
			found[name] = root
		}
		return found, nil
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if b.matches(rel) {
			found[rel] = p
		}
		return nil
	})
	return found, errors.Wrap(err, "list fetched files")
}

func (b *Backend) matches(rel string) bool {
	if formatOf(rel) == "" {
		return false
	}
	if b.pattern == "" {
		return true
	}
	ok, _ := path.Match(b.pattern, path.Base(rel))
	if !ok {
		ok, _ = path.Match(b.pattern, rel)
	}
	return ok
}

func sourceFileName(src string) string {
	raw := src
	if i := strings.Index(raw, "::"); i >= 0 {
		raw = raw[i+2:]
	}
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

// Process decodes one file into records.
func (b *Backend) Process(ctx context.Context, item *harvest.Item) ([]harvest.Record, error) {
	b.mu.Lock()
	file, ok := b.paths[item.RemoteID]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Newf("unknown file %q", item.RemoteID)
	}

	rows, err := decodeFile(file, formatOf(item.RemoteID), b.key)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", item.RemoteID)
	}

	records := make([]harvest.Record, 0, len(rows))
	for i, row := range rows {
		records = append(records, harvest.Record{
			RemoteID: b.recordID(item.RemoteID, i, row),
			Kind:     b.kind,
			Data:     row,
		})
	}
	return records, nil
}

func (b *Backend) recordID(file string, i int, row map[string]any) string {
	if b.idField != "" {
		if v, ok := row[b.idField]; ok && v != nil && v != "" {
			return fmt.Sprint(v)
		}
	}
	return fmt.Sprintf("%s#%d", file, i)
}

// Close removes the staged files.
func (b *Backend) Close() error {
	b.mu.Lock()
	staging := b.staging
	b.staging = ""
	b.mu.Unlock()
	if staging == "" {
		return nil
	}
	return errors.Wrap(os.RemoveAll(staging), "remove staging directory")
}
