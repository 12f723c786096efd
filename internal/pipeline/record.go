// Package pipeline runs the scrape, dedup, enrich, normalize, and index
// stages for one dataset per invocation.
package pipeline

// Stub is the summary form of a listing as it appears on a results page.
// It carries enough to dedup (Identifier) and to enrich (DetailURL); the
// remaining summary fields ride along in Fields.
type Stub struct {
	Identifier string
	DetailURL  string
	SourceURL  string
	Fields     map[string]any
}

// Record is a listing ready for indexing.
type Record struct {
	Identifier string
	Fields     map[string]any
}

// Document renders the record as an index document, guaranteeing the
// identifier field is present.
func (r Record) Document() map[string]any {
	doc := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		doc[k] = v
	}
	doc["identifier"] = r.Identifier
	return doc
}

// merge overlays detail fields onto summary fields. Nil detail values are
// skipped outright, so a sparse detail page never erases what the listing
// page already provided and never plants empty fields of its own.
func merge(summary, detail map[string]any) map[string]any {
	out := make(map[string]any, len(summary)+len(detail))
	for k, v := range summary {
		out[k] = v
	}
	for k, v := range detail {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}
