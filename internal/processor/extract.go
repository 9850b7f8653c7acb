package processor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// document is the minimal shape the extraction step understands: an id
// field (named by the index's primary key) plus arbitrary other fields.
// Building a real tokenizer/ranking pipeline is explicitly out of scope
// (spec §1 non-goals); this just turns field values into the (term,
// doc_id) pairs the indexing cache exists to aggregate.
type document struct {
	id     uint32
	raw    json.RawMessage
	fields map[string]any
}

// decodeDocuments parses an update file's raw JSON array of documents and
// resolves each one's id via primaryKey.
func decodeDocuments(raw []byte, primaryKey string) ([]document, error) {
	var generic []map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode update file: %w", err)
	}
	out := make([]document, 0, len(generic))
	for i, fields := range generic {
		idVal, ok := fields[primaryKey]
		if !ok {
			return nil, fmt.Errorf("document %d missing primary key %q", i, primaryKey)
		}
		id, err := toDocID(idVal)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		body, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, document{id: id, raw: body, fields: fields})
	}
	return out, nil
}

func toDocID(v any) (uint32, error) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("negative document id %v", n)
		}
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("unsupported document id type %T", v)
	}
}

// terms extracts a de-duplicated, lower-cased whitespace split of every
// string field's value, purely as plumbing to feed the indexing cache —
// not a linguistic tokenizer.
func (d document) terms() []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range d.fields {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, w := range strings.Fields(strings.ToLower(s)) {
			if !seen[w] {
				seen[w] = true
				out = append(out, w)
			}
		}
	}
	return out
}
