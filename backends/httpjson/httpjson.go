// Package httpjson harvests JSON catalogs served over HTTP. The document at
// the source URL lists the items, either as a top-level array or under
// the items_key path of an object.
//
// Source configuration:
//
//	items_key        dotted path to the item array ("data", "result.results")
//	id_field         element field holding the remote id (default "id")
//	kind             record kind (default "dataset")
//	detail_url       URL template fetched per item, "{id}" is replaced
//	rate_per_second  request throttle for this source
//	max_items        stop discovery after this many items
package httpjson

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/internal/httpclient"
)

// Name is the registry name of the backend.
const Name = "httpjson"

const (
	defaultIDField = "id"
	defaultKind    = "dataset"
)

// Backend harvests one JSON catalog.
type Backend struct {
	source    *harvest.Source
	client    *httpclient.Client
	log       *zap.SugaredLogger
	itemsKey  string
	idField   string
	kind      string
	detailURL string
	maxItems  int

	mu       sync.Mutex
	elements map[string]map[string]any
}

// Factory returns a harvest.Factory building backends whose HTTP clients
// start from base. A source may override the throttle with rate_per_second.
func Factory(base httpclient.Options) harvest.Factory {
	return func(source *harvest.Source, opts harvest.Options) (harvest.Backend, error) {
		cfg := source.Config
		clientOpts := base
		if rps, ok := cfg.Float("rate_per_second"); ok {
			if rps < 0 {
				return nil, errors.Newf("rate_per_second must be positive, got %v", rps)
			}
			clientOpts.RatePerSecond = rps
		}
		log := opts.Logger
		if log == nil {
			log = zap.NewNop().Sugar()
		}
		b := &Backend{
			source:    source,
			client:    httpclient.New(clientOpts),
			log:       log,
			itemsKey:  cfg.StringOr("items_key", ""),
			idField:   cfg.StringOr("id_field", defaultIDField),
			kind:      cfg.StringOr("kind", defaultKind),
			detailURL: cfg.StringOr("detail_url", ""),
			maxItems:  int(cfg.IntOr("max_items", 0)),
			elements:  make(map[string]map[string]any),
		}
		if _, err := b.client.Validate(source.URL); err != nil {
			return nil, errors.Wrap(err, "source URL")
		}
		return b, nil
	}
}

// Initialize fetches the catalog and adds one item per element.
func (b *Backend) Initialize(ctx context.Context, job *harvest.Job) error {
	var doc any
	if err := b.client.GetJSON(ctx, b.source.URL, &doc); err != nil {
		return err
	}
	list, err := extractItems(doc, b.itemsKey)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i, raw := range list {
		if b.maxItems > 0 && len(job.Items) >= b.maxItems {
			b.log.Infow("Item limit reached", "max_items", b.maxItems, "available", len(list))
			break
		}
		element, ok := raw.(map[string]any)
		if !ok {
			b.log.Warnw("Skipping non-object element", "index", i)
			continue
		}
		id, ok := remoteID(element[b.idField])
		if !ok {
			b.log.Warnw("Skipping element without id", "index", i, "id_field", b.idField)
			continue
		}
		if _, dup := b.elements[id]; dup {
			b.log.Warnw("Skipping duplicate element", "remote_id", id)
			continue
		}
		b.elements[id] = element
		job.AddItem(id, nil, harvest.Values{"index": harvest.IntValue(int64(i))})
	}
	return nil
}

// Process returns the element of the item, replaced by its detail document
// when detail_url is configured.
func (b *Backend) Process(ctx context.Context, item *harvest.Item) ([]harvest.Record, error) {
	b.mu.Lock()
	element, ok := b.elements[item.RemoteID]
	b.mu.Unlock()
	if !ok {
		return nil, errors.Newf("unknown item %q", item.RemoteID)
	}

	data := element
	if b.detailURL != "" {
		target := strings.ReplaceAll(b.detailURL, "{id}", url.PathEscape(item.RemoteID))
		var detail map[string]any
		if err := b.client.GetJSON(ctx, target, &detail); err != nil {
			return nil, errors.Wrapf(err, "fetch detail of %s", item.RemoteID)
		}
		data = detail
	}
	return []harvest.Record{{RemoteID: item.RemoteID, Kind: b.kind, Data: data}}, nil
}

// extractItems walks the dotted path key down doc and returns the array it
// ends on.
func extractItems(doc any, key string) ([]any, error) {
	if key != "" {
		for _, part := range strings.Split(key, ".") {
			obj, ok := doc.(map[string]any)
			if !ok {
				return nil, errors.Newf("items_key %q: %q is not inside an object", key, part)
			}
			if doc, ok = obj[part]; !ok {
				return nil, errors.Newf("items_key %q: no field %q", key, part)
			}
		}
	}
	list, ok := doc.([]any)
	if !ok {
		err := errors.Newf("expected a JSON array, got %T", doc)
		if key == "" {
			err = errors.WithHint(err, "set items_key when the catalog wraps its items in an object")
		}
		return nil, err
	}
	return list, nil
}

func remoteID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		if id == math.Trunc(id) && math.Abs(id) < 1<<53 {
			return strconv.FormatInt(int64(id), 10), true
		}
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(id), true
	}
}
