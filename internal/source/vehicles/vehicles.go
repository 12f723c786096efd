// Package vehicles adapts a used-car marketplace whose listing pages stream
// summary cards through Next.js flight chunks and embed schema.org ItemList
// and Car entities for structured metadata.
package vehicles

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/souqlens/souqlens/internal/pipeline"
	"github.com/souqlens/souqlens/internal/source/nextdata"
)

const (
	itemListPrefix  = `{"@context":"https://schema.org","@type":"ItemList"`
	carEntityPrefix = `{"@context":"https://schema.org","@type":["Car"`
)

// Config locates the marketplace.
type Config struct {
	// BaseURL prefixes relative detail links, e.g. https://carswitch.com.
	BaseURL string
	// ListingURLTemplate contains a {page} placeholder.
	ListingURLTemplate string
}

// Source implements pipeline.PagedSource.
type Source struct {
	cfg Config
}

func New(cfg Config) *Source {
	return &Source{cfg: cfg}
}

func (s *Source) PageURL(page int) string {
	return strings.ReplaceAll(s.cfg.ListingURLTemplate, "{page}", strconv.Itoa(page))
}

// ParsePage merges the two views a listing page offers of each car: the
// summary card payloads keyed by listing id, and the schema.org ItemList
// entries carrying the detail URL plus flattened Car metadata. Summary
// values win on conflict; the ItemList value is kept under a _meta suffix.
func (s *Source) ParsePage(body []byte) ([]pipeline.Stub, error) {
	summaries, order := parseSummaries(body)
	meta := parseItemList(body)

	stubs := make([]pipeline.Stub, 0, len(order))
	for _, id := range order {
		row := summaries[id]
		for key, value := range meta[id] {
			existing, present := row[key]
			if !present || isEmpty(existing) {
				row[key] = value
			} else if existing != nil {
				row[key+"_meta"] = value
			}
		}

		detailURL, _ := row["detail_url"].(string)
		stubs = append(stubs, pipeline.Stub{
			Identifier: id,
			DetailURL:  s.absoluteURL(detailURL),
			Fields:     row,
		})
	}
	return stubs, nil
}

// ParseDetail extracts the schema.org Car entity of a detail page.
func (s *Source) ParseDetail(body []byte) (map[string]any, error) {
	for _, chunk := range nextdata.StreamChunks(body) {
		for _, obj := range nextdata.ObjectsWithPrefix(chunk, carEntityPrefix) {
			return flattenCarEntity(obj), nil
		}
	}
	return nil, fmt.Errorf("detail page has no car entity")
}

// parseSummaries pulls the summary card objects out of the flight chunks.
// Cards appear as lines of the form "c<n>:{...}" inside decoded chunks.
func parseSummaries(body []byte) (map[string]map[string]any, []string) {
	records := map[string]map[string]any{}
	var order []string

	for _, chunk := range nextdata.StreamChunks(body) {
		for _, line := range strings.Split(chunk, "\n") {
			key, remainder, found := strings.Cut(line, ":")
			if !found || key == "" || !strings.HasPrefix(key, "c") {
				continue
			}
			remainder = strings.TrimSuffix(strings.TrimSpace(remainder), ",")
			candidate, ok := nextdata.BalancedObject(remainder)
			if !ok {
				continue
			}
			var data map[string]any
			if err := json.Unmarshal([]byte(candidate), &data); err != nil {
				continue
			}
			id := stringID(data["id"])
			if id == "" {
				continue
			}
			data["id"] = id
			if _, seen := records[id]; !seen {
				order = append(order, id)
			}
			records[id] = data
		}
	}
	return records, order
}

// parseItemList keys the ItemList entries by the trailing path segment of
// their URLs, which is the listing id.
func parseItemList(body []byte) map[string]map[string]any {
	results := map[string]map[string]any{}

	for _, chunk := range nextdata.StreamChunks(body) {
		for _, obj := range nextdata.ObjectsWithPrefix(chunk, itemListPrefix) {
			if obj["@type"] != "ItemList" {
				continue
			}
			elements, _ := obj["itemListElement"].([]any)
			for _, raw := range elements {
				el, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				url, _ := el["url"].(string)
				if url == "" {
					continue
				}
				trimmed := strings.TrimRight(url, "/")
				id := trimmed[strings.LastIndex(trimmed, "/")+1:]

				payload := map[string]any{"detail_url": url}
				if pos := el["position"]; pos != nil {
					payload["detail_position"] = maybeInt(pos)
				}
				if main, ok := el["mainEntity"].(map[string]any); ok {
					for k, v := range flattenCarEntity(main) {
						payload[k] = v
					}
				}
				for k, v := range payload {
					if existing := results[id]; existing != nil {
						existing[k] = v
					} else {
						results[id] = map[string]any{k: v}
					}
				}
			}
		}
	}
	return results
}

// flattenCarEntity lifts the nested schema.org Car/Product entity into the
// scalar detail_* fields the index mapping expects.
func flattenCarEntity(entity map[string]any) map[string]any {
	flat := map[string]any{}
	put := func(key string, value any) {
		if value != nil {
			flat[key] = value
		}
	}

	switch types := entity["@type"].(type) {
	case []any:
		put("detail_entity_types", types)
	case string:
		put("detail_entity_types", []any{types})
	}

	put("detail_name", entity["name"])
	put("detail_vehicle_identification_number", entity["vehicleIdentificationNumber"])
	switch images := entity["image"].(type) {
	case []any:
		put("detail_images", images)
	case string:
		put("detail_images", []any{images})
	}
	put("detail_item_url", entity["url"])
	put("detail_description", entity["description"])
	put("detail_item_condition", entity["itemCondition"])

	if names, raw := brandNames(entity["brand"]); len(names) > 0 {
		put("detail_brand_names", names)
		put("detail_brand_raw", raw)
	}

	put("detail_model", entity["model"])
	put("detail_vehicle_configuration", entity["vehicleConfiguration"])
	put("detail_vehicle_model_date", entity["vehicleModelDate"])
	put("detail_vehicle_transmission", entity["vehicleTransmission"])
	if v := entity["vehicleSeatingCapacity"]; v != nil {
		put("detail_vehicle_seating_capacity", maybeInt(v))
	}
	put("detail_color", entity["color"])
	put("detail_body_type", entity["bodyType"])
	put("detail_drive_wheel_configuration", entity["driveWheelConfiguration"])

	if mileage, ok := entity["mileageFromOdometer"].(map[string]any); ok {
		put("detail_mileage_value", maybeInt(mileage["value"]))
		put("detail_mileage_unit", mileage["unitCode"])
		put("detail_mileage_raw", mileage)
	}
	if engine, ok := entity["vehicleEngine"].(map[string]any); ok {
		put("detail_engine_fuel_type", engine["fuelType"])
		put("detail_engine_displacement", engine["engineDisplacement"])
		put("detail_engine_raw", engine)
	}

	var offer map[string]any
	switch offers := entity["offers"].(type) {
	case []any:
		if len(offers) > 0 {
			offer, _ = offers[0].(map[string]any)
		}
	case map[string]any:
		offer = offers
	}
	if offer != nil {
		put("detail_offer_price", maybeInt(offer["price"]))
		put("detail_offer_currency", offer["priceCurrency"])
		put("detail_offer_availability", offer["availability"])
		put("detail_offer_raw", offer)
	}

	return flat
}

func brandNames(raw any) ([]any, any) {
	switch v := raw.(type) {
	case map[string]any:
		if name := v["name"]; name != nil {
			return []any{name}, v
		}
	case []any:
		var names []any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok && m["name"] != nil {
				names = append(names, m["name"])
			}
		}
		return names, v
	case string:
		return []any{v}, v
	}
	return nil, raw
}

func (s *Source) absoluteURL(url string) string {
	if url == "" || strings.HasPrefix(url, "http") {
		return url
	}
	return s.cfg.BaseURL + url
}

// maybeInt coerces numeric-looking values to int64, keeping the original
// value when it does not parse.
func maybeInt(value any) any {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(v, ",", ""))
		if n, err := strconv.ParseInt(cleaned, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return int64(f)
		}
	}
	return value
}

func stringID(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}
