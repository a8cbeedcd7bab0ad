// ABOUTME: Codecs and path helpers backing the DB handler.
// ABOUTME: json/yaml/csv/xml encode-decode, dot-path traversal, and 1-based line ranges.

package engine

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sorryhyun/DiPeO-sub003/envelope"
	"github.com/sorryhyun/DiPeO-sub003/fs"
)

// decodeDB parses file contents for a structured format.
func decodeDB(format string, data []byte) (any, error) {
	switch format {
	case "json":
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	case "yaml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return normalizeYAML(doc), nil
	case "csv":
		return decodeCSV(data)
	case "xml":
		return decodeXML(data)
	case "text":
		return string(data), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// encodeDB renders a value for file storage in the given format.
func encodeDB(format string, value any) ([]byte, error) {
	switch format {
	case "json":
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case "yaml":
		return yaml.Marshal(value)
	case "csv":
		return encodeCSV(value)
	case "xml":
		return encodeXML(value)
	case "text":
		return []byte(envelope.Stringify(value)), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// normalizeYAML converts yaml.v3's map[any]any trees into map[string]any so
// downstream consumers see one map shape regardless of source format.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = normalizeYAML(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = normalizeYAML(val)
		}
		return x
	default:
		return v
	}
}

// decodeCSV parses records into header-keyed maps. The first row is the
// header; files without data rows decode to an empty list.
func decodeCSV(data []byte) (any, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []any{}, nil
	}
	header := rows[0]
	out := make([]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		out = append(out, record)
	}
	return out, nil
}

// encodeCSV renders a list of header-keyed maps (or raw string rows) as CSV.
// The header is the sorted key union of all records.
func encodeCSV(value any) ([]byte, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("csv encoding requires a list, got %T", value)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	keySet := map[string]bool{}
	records := make([]map[string]any, 0, len(list))
	for _, item := range list {
		record, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("csv encoding requires map records, got %T", item)
		}
		for k := range record {
			keySet[k] = true
		}
		records = append(records, record)
	}
	header := make([]string, 0, len(keySet))
	for k := range keySet {
		header = append(header, k)
	}
	sort.Strings(header)

	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, record := range records {
		row := make([]string, len(header))
		for i, col := range header {
			if v, ok := record[col]; ok {
				row[i] = envelope.Stringify(v)
			}
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// appendCSVRecord appends one record, writing a header first when the file
// is new. An existing file's header decides the column order.
func appendCSVRecord(fsys fs.FileSystem, path string, value any) error {
	record, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("csv append requires a map record, got %T", value)
	}

	var header []string
	if fsys.Exists(path) {
		data, err := fsys.Read(path)
		if err != nil {
			return &IOError{Op: "read", Path: path, Err: err}
		}
		rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			header = rows[0]
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if header == nil {
		for k := range record {
			header = append(header, k)
		}
		sort.Strings(header)
		if err := w.Write(header); err != nil {
			return err
		}
	}
	row := make([]string, len(header))
	for i, col := range header {
		if v, ok := record[col]; ok {
			row[i] = envelope.Stringify(v)
		}
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := fsys.Append(path, buf.Bytes()); err != nil {
		return &IOError{Op: "append", Path: path, Err: err}
	}
	return nil
}

// decodeXML builds a generic tree: elements become maps, attributes get an
// "@" prefix, text lands under "#text", and repeated siblings collapse into
// lists. Text-only elements simplify to plain strings.
func decodeXML(data []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root := map[string]any{}
	stack := []map[string]any{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := map[string]any{}
			for _, a := range t.Attr {
				child["@"+a.Name.Local] = a.Value
			}
			addXMLChild(stack[len(stack)-1], t.Name.Local, child)
			stack = append(stack, child)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			cur := stack[len(stack)-1]
			if prev, ok := cur["#text"].(string); ok {
				text = prev + text
			}
			cur["#text"] = text
		}
	}
	return simplifyXML(root), nil
}

func addXMLChild(parent map[string]any, name string, child any) {
	existing, ok := parent[name]
	if !ok {
		parent[name] = child
		return
	}
	if list, ok := existing.([]any); ok {
		parent[name] = append(list, child)
		return
	}
	parent[name] = []any{existing, child}
}

// simplifyXML collapses elements that hold only text into plain strings.
func simplifyXML(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			if t, ok := x["#text"].(string); ok {
				return t
			}
		}
		for k, child := range x {
			x[k] = simplifyXML(child)
		}
		return x
	case []any:
		for i, child := range x {
			x[i] = simplifyXML(child)
		}
		return x
	default:
		return v
	}
}

// encodeXML renders a generic value tree as indented XML under a single
// root element, mirroring decodeXML's conventions.
func encodeXML(value any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := encodeXMLValue(enc, "root", value); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func encodeXMLValue(enc *xml.Encoder, name string, value any) error {
	start := xml.StartElement{Name: xml.Name{Local: name}}
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			if strings.HasPrefix(k, "@") {
				start.Attr = append(start.Attr, xml.Attr{
					Name:  xml.Name{Local: strings.TrimPrefix(k, "@")},
					Value: envelope.Stringify(v[k]),
				})
				continue
			}
			if k != "#text" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		sort.Slice(start.Attr, func(i, j int) bool { return start.Attr[i].Name.Local < start.Attr[j].Name.Local })

		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		if t, ok := v["#text"]; ok {
			if err := enc.EncodeToken(xml.CharData(envelope.Stringify(t))); err != nil {
				return err
			}
		}
		for _, k := range keys {
			if err := encodeXMLValue(enc, k, v[k]); err != nil {
				return err
			}
		}
		return enc.EncodeToken(xml.EndElement{Name: start.Name})
	case []any:
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		for _, item := range v {
			if err := encodeXMLValue(enc, "item", item); err != nil {
				return err
			}
		}
		return enc.EncodeToken(xml.EndElement{Name: start.Name})
	default:
		return enc.EncodeElement(envelope.Stringify(v), start)
	}
}

// pathGet walks a dot path through maps and list indexes.
func pathGet(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// pathSet sets a dot path, creating intermediate maps as needed, and
// returns the updated document. A non-map document is replaced by one.
func pathSet(doc any, path string, value any) any {
	parts := strings.Split(path, ".")
	root, ok := doc.(map[string]any)
	if !ok {
		root = map[string]any{}
	}
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return root
}

// selectLines extracts 1-based inclusive line ranges: "7", "1:10", "3:",
// ":5". Ranges outside the file clamp to its bounds.
func selectLines(content string, specs []string) (string, error) {
	lines := strings.Split(content, "\n")
	var out []string
	for _, spec := range specs {
		lo, hi, err := parseLineRange(spec, len(lines))
		if err != nil {
			return "", err
		}
		if lo <= hi {
			out = append(out, lines[lo-1:hi]...)
		}
	}
	return strings.Join(out, "\n"), nil
}

func parseLineRange(spec string, total int) (int, int, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return 0, 0, fmt.Errorf("empty line range")
	}
	lo, hi := 1, total
	if !strings.Contains(s, ":") {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, fmt.Errorf("bad line range %q", spec)
		}
		lo, hi = n, n
	} else {
		parts := strings.SplitN(s, ":", 2)
		var err error
		if parts[0] != "" {
			if lo, err = strconv.Atoi(parts[0]); err != nil {
				return 0, 0, fmt.Errorf("bad line range %q", spec)
			}
		}
		if parts[1] != "" {
			if hi, err = strconv.Atoi(parts[1]); err != nil {
				return 0, 0, fmt.Errorf("bad line range %q", spec)
			}
		}
	}
	if lo < 1 {
		lo = 1
	}
	if hi > total {
		hi = total
	}
	return lo, hi, nil
}
