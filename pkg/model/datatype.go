package model

import (
	"fmt"
	"strings"
)

// Datatype is the closed set of property datatypes handled by the
// translator. The constant values are the wire names used in snak JSON.
type Datatype string

const (
	TypeString          Datatype = "string"
	TypeExternalID      Datatype = "external-id"
	TypeURL             Datatype = "url"
	TypeCommonsMedia    Datatype = "commonsMedia"
	TypeGeoShape        Datatype = "geo-shape"
	TypeTabularData     Datatype = "tabular-data"
	TypeEntitySchema    Datatype = "entity-schema"
	TypeProperty        Datatype = "wikibase-property"
	TypeWikibaseItem    Datatype = "wikibase-item"
	TypeTime            Datatype = "time"
	TypeQuantity        Datatype = "quantity"
	TypeMonolingualText Datatype = "monolingualtext"
	TypeGlobeCoordinate Datatype = "globe-coordinate"
)

// ParseDatatype validates a wire datatype string against the closed set.
func ParseDatatype(s string) (Datatype, error) {
	switch Datatype(s) {
	case TypeString, TypeExternalID, TypeURL, TypeCommonsMedia, TypeGeoShape,
		TypeTabularData, TypeEntitySchema, TypeProperty, TypeWikibaseItem,
		TypeTime, TypeQuantity, TypeMonolingualText, TypeGlobeCoordinate:
		return Datatype(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDatatype, s)
}

// ontologyTypes maps the wikibase:propertyType local names returned by
// SPARQL introspection to the wire datatypes.
var ontologyTypes = map[string]Datatype{
	"String":           TypeString,
	"ExternalId":       TypeExternalID,
	"Url":              TypeURL,
	"CommonsMedia":     TypeCommonsMedia,
	"GeoShape":         TypeGeoShape,
	"TabularData":      TypeTabularData,
	"EntitySchema":     TypeEntitySchema,
	"WikibaseProperty": TypeProperty,
	"WikibaseItem":     TypeWikibaseItem,
	"Time":             TypeTime,
	"Quantity":         TypeQuantity,
	"Monolingualtext":  TypeMonolingualText,
	"GlobeCoordinate":  TypeGlobeCoordinate,
}

// ParseOntologyDatatype maps a wikibase:propertyType value to the wire
// datatype. It accepts both the full ontology IRI and the bare local name,
// since SPARQL bindings carry the former.
func ParseOntologyDatatype(s string) (Datatype, error) {
	name := strings.TrimPrefix(s, "http://wikiba.se/ontology#")
	if dt, ok := ontologyTypes[name]; ok {
		return dt, nil
	}
	return "", fmt.Errorf("%w: ontology type %q", ErrUnknownDatatype, s)
}
