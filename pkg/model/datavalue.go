package model

import (
	"encoding/json"
	"fmt"
)

// DataValue is the closed sum of snak value payloads. Each variant knows its
// wire "type" tag and how to render its "value" payload.
type DataValue interface {
	// WireType is the datavalue "type" tag ("string", "wikibase-entityid", ...).
	WireType() string
	// WireValue is the JSON "value" payload. Composite variants return a
	// map[string]any so canonical serialization sorts keys at every level.
	WireValue() any
}

// StringValue carries the plain-text payload shared by the string-family
// datatypes (string, external-id, url, commonsMedia, geo-shape,
// tabular-data, entity-schema, wikibase-property).
type StringValue struct {
	Value string
}

func (v StringValue) WireType() string { return "string" }
func (v StringValue) WireValue() any   { return v.Value }

// EntityIDValue references another entity by ID.
type EntityIDValue struct {
	ID string
}

func (v EntityIDValue) WireType() string { return "wikibase-entityid" }

func (v EntityIDValue) WireValue() any {
	out := map[string]any{"id": v.ID}
	if kind, err := KindOf(v.ID); err == nil {
		out["entity-type"] = string(kind)
	}
	if n := NumericSuffix(v.ID); n >= 0 {
		out["numeric-id"] = n
	}
	return out
}

// TimeValue is an ISO-like timestamp with precision 9 (year) to 14 (second).
type TimeValue struct {
	Time          string
	Timezone      int
	Before        int
	After         int
	Precision     int
	CalendarModel string
}

func (v TimeValue) WireType() string { return "time" }

func (v TimeValue) WireValue() any {
	return map[string]any{
		"time":          v.Time,
		"timezone":      v.Timezone,
		"before":        v.Before,
		"after":         v.After,
		"precision":     v.Precision,
		"calendarmodel": v.CalendarModel,
	}
}

// QuantityValue is a signed decimal amount with an optional unit IRI
// (literal "1" means unitless) and optional bounds.
type QuantityValue struct {
	Amount     string
	Unit       string
	UpperBound string
	LowerBound string
}

func (v QuantityValue) WireType() string { return "quantity" }

func (v QuantityValue) WireValue() any {
	unit := v.Unit
	if unit == "" {
		unit = "1"
	}
	out := map[string]any{
		"amount": v.Amount,
		"unit":   unit,
	}
	if v.UpperBound != "" {
		out["upperBound"] = v.UpperBound
	}
	if v.LowerBound != "" {
		out["lowerBound"] = v.LowerBound
	}
	return out
}

// MonolingualTextValue is a text in a single named language.
type MonolingualTextValue struct {
	Text     string
	Language string
}

func (v MonolingualTextValue) WireType() string { return "monolingualtext" }

func (v MonolingualTextValue) WireValue() any {
	return map[string]any{
		"text":     v.Text,
		"language": v.Language,
	}
}

// GlobeCoordinateValue is a point on a globe. Altitude and Precision are
// nullable on the wire.
type GlobeCoordinateValue struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
	Precision *float64
	Globe     string
}

func (v GlobeCoordinateValue) WireType() string { return "globecoordinate" }

func (v GlobeCoordinateValue) WireValue() any {
	out := map[string]any{
		"latitude":  v.Latitude,
		"longitude": v.Longitude,
	}
	if v.Altitude != nil {
		out["altitude"] = *v.Altitude
	}
	if v.Precision != nil {
		out["precision"] = *v.Precision
	}
	if v.Globe != "" {
		out["globe"] = v.Globe
	}
	return out
}

// marshalDataValue renders the full {"value": ..., "type": ...} wire object.
func marshalDataValue(v DataValue) map[string]any {
	return map[string]any{
		"type":  v.WireType(),
		"value": v.WireValue(),
	}
}

// CanonicalDataValueJSON serializes a datavalue with sorted keys at every
// level. This is the stable form the merger hashes. nil serializes as null
// so value-less snaks compare equal to each other.
func CanonicalDataValueJSON(v DataValue) []byte {
	if v == nil {
		return []byte("null")
	}
	// encoding/json sorts map keys, which is exactly the canonical form.
	data, err := json.Marshal(marshalDataValue(v))
	if err != nil {
		// All wire values are maps of strings, numbers and bools; this
		// cannot fail for any variant above.
		return []byte("null")
	}
	return data
}

// decodeDataValue parses a wire datavalue into the matching variant.
// Unknown type tags are an error; there is no default fall-through.
func decodeDataValue(typeTag string, raw json.RawMessage) (DataValue, error) {
	switch typeTag {
	case "string":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("string datavalue: %w", err)
		}
		return StringValue{Value: s}, nil
	case "wikibase-entityid":
		var v struct {
			ID         string `json:"id"`
			EntityType string `json:"entity-type"`
			NumericID  int64  `json:"numeric-id"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("entityid datavalue: %w", err)
		}
		id := v.ID
		if id == "" && v.NumericID > 0 {
			// Old-style serialization without the "id" field.
			prefix := map[string]string{
				"item": "Q", "property": "P", "lexeme": "L", "mediainfo": "M",
			}[v.EntityType]
			if prefix == "" {
				return nil, fmt.Errorf("entityid datavalue: unknown entity-type %q", v.EntityType)
			}
			id = fmt.Sprintf("%s%d", prefix, v.NumericID)
		}
		return EntityIDValue{ID: id}, nil
	case "time":
		var v struct {
			Time          string `json:"time"`
			Timezone      int    `json:"timezone"`
			Before        int    `json:"before"`
			After         int    `json:"after"`
			Precision     int    `json:"precision"`
			CalendarModel string `json:"calendarmodel"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("time datavalue: %w", err)
		}
		return TimeValue{
			Time:          v.Time,
			Timezone:      v.Timezone,
			Before:        v.Before,
			After:         v.After,
			Precision:     v.Precision,
			CalendarModel: v.CalendarModel,
		}, nil
	case "quantity":
		var v struct {
			Amount     string `json:"amount"`
			Unit       string `json:"unit"`
			UpperBound string `json:"upperBound"`
			LowerBound string `json:"lowerBound"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("quantity datavalue: %w", err)
		}
		return QuantityValue{
			Amount:     v.Amount,
			Unit:       v.Unit,
			UpperBound: v.UpperBound,
			LowerBound: v.LowerBound,
		}, nil
	case "monolingualtext":
		var v struct {
			Text     string `json:"text"`
			Language string `json:"language"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("monolingualtext datavalue: %w", err)
		}
		return MonolingualTextValue{Text: v.Text, Language: v.Language}, nil
	case "globecoordinate":
		var v struct {
			Latitude  float64  `json:"latitude"`
			Longitude float64  `json:"longitude"`
			Altitude  *float64 `json:"altitude"`
			Precision *float64 `json:"precision"`
			Globe     string   `json:"globe"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("globecoordinate datavalue: %w", err)
		}
		return GlobeCoordinateValue{
			Latitude:  v.Latitude,
			Longitude: v.Longitude,
			Altitude:  v.Altitude,
			Precision: v.Precision,
			Globe:     v.Globe,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDataValue, typeTag)
}
