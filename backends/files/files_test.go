package files

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/internal/httpclient"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

var catalog = map[string]string{
	"datasets.json":    `[{"id": "d1", "title": "Budget"}, {"id": "d2", "title": "Roads"}]`,
	"meta/owner.yaml":  "name: Mairie\ncontact:\n  email: data@example.org\n",
	"stations.toml":    "[[stations]]\nid = \"s1\"\nlat = 48.85\n\n[[stations]]\nid = \"s2\"\nlat = 45.76\n",
	"budget/2024.csv":  "poste;montant\nvoirie;1200\necoles;3400\n",
	"README.md":        "not harvested",
	".git/config.json": `{"ignored": true}`,
}

func build(t *testing.T, cfg Config, url string, values harvest.Values) *Backend {
	t.Helper()
	b, err := Factory(cfg)(&harvest.Source{URL: url, Config: values}, harvest.Options{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	backend := b.(*Backend)
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestLocalDirectory(t *testing.T) {
	dir := writeFiles(t, catalog)
	b := build(t, Config{AllowLocal: true, WorkDir: t.TempDir()}, dir, nil)

	job := harvest.NewJob("s")
	require.NoError(t, b.Initialize(context.Background(), job))

	var ids []string
	for _, item := range job.Items {
		ids = append(ids, item.RemoteID)
	}
	assert.Equal(t, []string{"budget/2024.csv", "datasets.json", "meta/owner.yaml", "stations.toml"}, ids)
	assert.Equal(t, "csv", job.Items[0].Kwargs.StringOr("format", ""))

	records, err := b.Process(context.Background(), job.Items[0])
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "budget/2024.csv#0", records[0].RemoteID)
	assert.Equal(t, "row", records[0].Kind)
	assert.Equal(t, map[string]any{"poste": "voirie", "montant": "1200"}, records[0].Data)

	records, err = b.Process(context.Background(), job.Items[1])
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Roads", records[1].Data["title"])

	records, err = b.Process(context.Background(), job.Items[2])
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Mairie", records[0].Data["name"])
	contact, ok := records[0].Data["contact"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "data@example.org", contact["email"])
}

func TestPatternAndItemsKey(t *testing.T) {
	dir := writeFiles(t, catalog)
	b := build(t, Config{AllowLocal: true}, dir, harvest.Values{
		"pattern":   harvest.StringValue("*.toml"),
		"items_key": harvest.StringValue("stations"),
		"id_field":  harvest.StringValue("id"),
		"kind":      harvest.StringValue("station"),
	})

	job := harvest.NewJob("s")
	require.NoError(t, b.Initialize(context.Background(), job))
	require.Len(t, job.Items, 1)

	records, err := b.Process(context.Background(), job.Items[0])
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s1", records[0].RemoteID)
	assert.Equal(t, "station", records[0].Kind)
	assert.Equal(t, 45.76, records[1].Data["lat"])
}

func TestCloseRemovesStaging(t *testing.T) {
	dir := writeFiles(t, catalog)
	work := t.TempDir()
	b := build(t, Config{AllowLocal: true, WorkDir: work}, dir, nil)
	require.NoError(t, b.Initialize(context.Background(), harvest.NewJob("s")))

	entries, err := os.ReadDir(work)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, b.Close())
	entries, err = os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = os.Stat(filepath.Join(dir, "datasets.json"))
	assert.NoError(t, err, "the source directory is left alone")
	assert.NoError(t, b.Close())
}

func TestHTTPDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/export/communes.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("code,nom\n75056,Paris\n69123,Lyon\n"))
	}))
	defer srv.Close()

	b := build(t, Config{HTTP: httpclient.Options{AllowPrivate: true}}, srv.URL+"/export/communes.csv", harvest.Values{
		"id_field": harvest.StringValue("code"),
	})
	job := harvest.NewJob("s")
	require.NoError(t, b.Initialize(context.Background(), job))
	require.Len(t, job.Items, 1)
	assert.Equal(t, "communes.csv", job.Items[0].RemoteID)

	records, err := b.Process(context.Background(), job.Items[0])
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "75056", records[0].RemoteID)
	assert.Equal(t, "Lyon", records[1].Data["nom"])
}

func TestSourcePolicy(t *testing.T) {
	dir := writeFiles(t, catalog)

	b := build(t, Config{}, dir, nil)
	err := b.Initialize(context.Background(), harvest.NewJob("s"))
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "allow_local_sources")

	b = build(t, Config{}, "http://127.0.0.1:9/data.csv", nil)
	err = b.Initialize(context.Background(), harvest.NewJob("s"))
	assert.True(t, errors.Is(err, httpclient.ErrBlocked))

	_, err = Factory(Config{})(&harvest.Source{URL: dir, Config: harvest.Values{"pattern": harvest.StringValue("[")}}, harvest.Options{})
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"broken.json":  `{"a": `,
		"scalars.yaml": "- 1\n- 2\n",
	})
	b := build(t, Config{AllowLocal: true}, dir, nil)
	job := harvest.NewJob("s")
	require.NoError(t, b.Initialize(context.Background(), job))
	require.Len(t, job.Items, 2)

	for _, item := range job.Items {
		_, err := b.Process(context.Background(), item)
		assert.Error(t, err, item.RemoteID)
	}
}

func TestDecodeCSV(t *testing.T) {
	rows, err := decodeCSV([]byte("\xef\xbb\xbfa,b\n1\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]any{"a": "1", "b": ""}, rows[0])

	rows, err = decodeCSV(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
