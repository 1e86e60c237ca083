package files

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/remilejeune/udata-harvest/errors"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
	formatTOML format = "toml"
	formatCSV  format = "csv"
)

// formatOf returns the format of a file from its extension, or "" when the
// file is not supported.
func formatOf(name string) format {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	case ".toml":
		return formatTOML
	case ".csv":
		return formatCSV
	}
	return ""
}

// decodeFile reads file as f and returns its records. Documents holding an
// array yield one record per element; other documents yield one record.
func decodeFile(file string, f format, key string) ([]map[string]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var doc any
	switch f {
	case formatCSV:
		return decodeCSV(data)
	case formatJSON:
		err = json.Unmarshal(data, &doc)
	case formatYAML:
		err = yaml.Unmarshal(data, &doc)
	case formatTOML:
		var m map[string]any
		_, err = toml.Decode(string(data), &m)
		doc = m
	default:
		return nil, errors.Newf("unsupported format %q", f)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", f)
	}
	return documentRecords(doc, key)
}

func documentRecords(doc any, key string) ([]map[string]any, error) {
	if key != "" {
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, errors.Newf("items_key %q needs an object document", key)
		}
		if doc, ok = obj[key]; !ok {
			return nil, errors.Newf("items_key %q: no such field", key)
		}
	}

	switch v := doc.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []map[string]any:
		// TOML arrays of tables
		return v, nil
	case []any:
		records := make([]map[string]any, 0, len(v))
		for i, el := range v {
			obj, ok := el.(map[string]any)
			if !ok {
				return nil, errors.Newf("element %d is %T, not an object", i, el)
			}
			records = append(records, obj)
		}
		return records, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Newf("document is %T, not an object or array", doc)
	}
}

// decodeCSV returns one record per row, keyed by the header row.
func decodeCSV(data []byte) ([]map[string]any, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	if bytes.Count(firstLine(data), []byte(";")) > bytes.Count(firstLine(data), []byte(",")) {
		r.Comma = ';'
	}

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read CSV header")
	}

	var records []map[string]any
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read CSV row %d", len(records)+1)
		}
		rec := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(row) {
				rec[name] = row[i]
			} else {
				rec[name] = ""
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func firstLine(data []byte) []byte {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return data[:i]
	}
	return data
}
