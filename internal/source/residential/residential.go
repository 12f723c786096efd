// Package residential adapts a property brokerage site that server-renders
// its paginated sales and lettings feeds through __NEXT_DATA__.
package residential

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/souqlens/souqlens/internal/pipeline"
	"github.com/souqlens/souqlens/internal/source/nextdata"
)

// keepListFields stay as arrays instead of collapsing to their first value.
var keepListFields = map[string]bool{
	"images": true,
	"pba_uaefields__private_amenities__c":    true,
	"pba_uaefields__commercial_amenities__c": true,
}

// Config locates one feed of the brokerage.
type Config struct {
	// ListingURLTemplate contains a {page} placeholder.
	ListingURLTemplate string
	// Segment is the feed kind ("sales" or "lettings") used in detail URLs
	// and as the fallback listing category.
	Segment string
	// DetailBaseURL prefixes "<segment>/<reference>" detail paths.
	DetailBaseURL string
}

// Source implements pipeline.PagedSource for one feed.
type Source struct {
	cfg Config
}

func New(cfg Config) *Source {
	cfg.Segment = normalizeSegment(cfg.Segment)
	return &Source{cfg: cfg}
}

func (s *Source) PageURL(page int) string {
	return strings.ReplaceAll(s.cfg.ListingURLTemplate, "{page}", strconv.Itoa(page))
}

// ParsePage reads the feed's search hits out of the bootstrap JSON at
// props.pageProps.data.data.hits.
func (s *Source) ParsePage(body []byte) ([]pipeline.Stub, error) {
	data, err := nextdata.Bootstrap(body)
	if err != nil {
		return nil, err
	}

	hits, _ := nextdata.Dig(data, "props", "pageProps", "data", "data", "hits").([]any)
	stubs := make([]pipeline.Stub, 0, len(hits))

	for _, raw := range hits {
		hit, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rawFields, _ := hit["fields"].(map[string]any)
		fields := flattenFields(rawFields)

		id := firstNonEmpty(
			stringValue(fields["id"]),
			stringValue(hit["_id"]),
			stringValue(fields["pba__broker_s_listing_id__c"]),
			stringValue(fields["pba__property__c"]),
		)
		if id == "" {
			continue
		}

		reference := stringValue(fields["pba__broker_s_listing_id__c"])
		segment := s.resolveSegment(fields["pba__listingtype__c"])

		listing := map[string]any{
			"id":                     id,
			"reference_number":       reference,
			"price":                  maybeInt(fields["pba__listingprice_pb__c"]),
			"bedrooms":               maybeInt(fields["pba__bedrooms_pb__c"]),
			"bathrooms":              maybeInt(fields["pba__fullbathrooms_pb__c"]),
			"total_area_sqft":        maybeFloat(fields["pba__totalarea_pb__c"]),
			"listing_area":           cleanLocation(fields["listing_area"]),
			"property_type":          fields["property_type_website__c"],
			"listing_status":         fields["pba__status__c"],
			"listing_type":           fields["pba__listingtype__c"],
			"listing_category":       segment,
			"business_type":          fields["business_type_aa__c"],
			"latitude":               maybeFloat(fields["pba__latitude_pb__c"]),
			"longitude":              maybeFloat(fields["pba__longitude_pb__c"]),
			"listing_agent_name":     fields["listing_agent_name"],
			"listing_agent_mobile":   fields["listing_agent_mobile"],
			"listing_agent_email":    fields["listing_agent_Email"],
			"listing_agent_whatsapp": fields["listing_agent_Whatsapp"],
			"property_video":         fields["property_video"],
			"images":                 fields["images"],
			"name":                   fields["name"],
			"property_id":            fields["pba__property__c"],
		}
		detailURL := s.detailURL(reference, segment)
		listing["detail_url"] = detailURL
		dropEmpty(listing)

		stubs = append(stubs, pipeline.Stub{
			Identifier: id,
			DetailURL:  detailURL,
			Fields:     listing,
		})
	}
	return stubs, nil
}

// ParseDetail reads the enrichment fields from a property detail page at
// props.pageProps.data.data.listingDetails.hits.hits[0].fields.
func (s *Source) ParseDetail(body []byte) (map[string]any, error) {
	data, err := nextdata.Bootstrap(body)
	if err != nil {
		return nil, err
	}

	hits, _ := nextdata.Dig(data,
		"props", "pageProps", "data", "data", "listingDetails", "hits", "hits").([]any)
	if len(hits) == 0 {
		return nil, fmt.Errorf("detail page has no listing hits")
	}
	first, _ := hits[0].(map[string]any)
	rawFields, _ := first["fields"].(map[string]any)
	fields := flattenFields(rawFields)

	detail := map[string]any{
		"detail_id":                   fields["id"],
		"detail_reference_number":     fields["pba__broker_s_listing_id__c"],
		"detail_name":                 fields["name"],
		"detail_price":                maybeInt(fields["pba__listingprice_pb__c"]),
		"detail_bedrooms":             maybeInt(fields["pba__bedrooms_pb__c"]),
		"detail_bathrooms":            maybeInt(fields["pba__fullbathrooms_pb__c"]),
		"detail_total_area_sqft":      maybeFloat(fields["pba__totalarea_pb__c"]),
		"detail_property_type":        fields["property_type_website__c"],
		"detail_listing_status":       fields["pba__status__c"],
		"detail_listing_type":         fields["pba__listingtype__c"],
		"detail_listing_area":         cleanLocation(fields["listing_area"]),
		"detail_description":          fields["pba__description_pb__c"],
		"detail_brief_description":    fields["pba_brief_description__c"],
		"detail_images":               fields["images"],
		"detail_video_url":            fields["property_video"],
		"detail_image_count":          maybeInt(fields["image_count"]),
		"detail_private_amenities":    fields["pba_uaefields__private_amenities__c"],
		"detail_commercial_amenities": fields["pba_uaefields__commercial_amenities__c"],
		"detail_latitude":             maybeFloat(fields["pba__latitude_pb__c"]),
		"detail_longitude":            maybeFloat(fields["pba__longitude_pb__c"]),
		"detail_country":              fields["pba__country_pb__c"],
		"detail_city":                 fields["pba__city_pb__c"],
		"detail_address":              fields["pba__address_pb__c"],
		"detail_agent_name":           fields["listing_agent_name"],
		"detail_agent_mobile":         fields["listing_agent_mobile"],
		"detail_agent_email":          fields["listing_agent_Email"],
		"detail_agent_whatsapp":       fields["listing_agent_Whatsapp"],
		"detail_transferred_date":     fields["transferred_date__c"],
	}
	dropEmpty(detail)
	return detail, nil
}

func (s *Source) detailURL(reference, segment string) string {
	if reference == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.DetailBaseURL, "/"), segment, reference)
}

// resolveSegment prefers the hit's own listing type over the feed default.
func (s *Source) resolveSegment(listingType any) string {
	if t, ok := listingType.(string); ok && t != "" {
		return normalizeSegment(t)
	}
	return s.cfg.Segment
}

func normalizeSegment(segment string) string {
	normalized := strings.ToLower(strings.TrimSpace(segment))
	if normalized == "rent" || normalized == "rental" || normalized == "lease" ||
		strings.Contains(normalized, "lett") {
		return "lettings"
	}
	if normalized == "" {
		return "sales"
	}
	if normalized != "lettings" {
		return "sales"
	}
	return normalized
}

// flattenFields collapses the single-element arrays the search backend wraps
// scalar values in, keeps real list fields as lists, and drops empty or
// literal "NULL" values.
func flattenFields(raw map[string]any) map[string]any {
	flat := make(map[string]any, len(raw))
	for key, value := range raw {
		flat[key] = normalizeValue(value, keepListFields[key])
	}
	return flat
}

func normalizeValue(value any, keepList bool) any {
	list, isList := value.([]any)
	if !isList {
		return normalizeScalar(value)
	}
	items := make([]any, 0, len(list))
	for _, item := range list {
		if normalized := normalizeScalar(item); normalized != nil {
			items = append(items, normalized)
		}
	}
	if keepList {
		if len(items) == 0 {
			return nil
		}
		return items
	}
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

func normalizeScalar(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || strings.EqualFold(trimmed, "NULL") {
		return nil
	}
	return trimmed
}

func cleanLocation(value any) any {
	if list, ok := value.([]any); ok && len(list) > 0 {
		value = list[0]
	}
	s, ok := normalizeScalar(value).(string)
	if !ok || s == "" {
		return nil
	}
	return strings.TrimSpace(strings.TrimLeft(s, ", "))
}

func maybeInt(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		return int64(v)
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return int64(f)
		}
	}
	return nil
}

func maybeFloat(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		return v
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return f
		}
	}
	return nil
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func dropEmpty(doc map[string]any) {
	for key, value := range doc {
		switch v := value.(type) {
		case nil:
			delete(doc, key)
		case string:
			if v == "" {
				delete(doc, key)
			}
		case []any:
			if len(v) == 0 {
				delete(doc, key)
			}
		}
	}
}
