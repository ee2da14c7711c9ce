package sync

import "sort"

// MissingValue is written to CRM attributes whose source value is absent.
const MissingValue = "-"

// Mappable provides a common interface for types that can be mapped.
// This enables shared field mapping logic.
type Mappable interface {
	GetFields() map[string]interface{}
	SetField(key string, value interface{})
	DeleteField(key string)
}

// MapFields maps fields from a source to a destination using the provided mappings,
// naming each destination field with attribute. Absent or empty values become MissingValue.
func MapFields(mappings map[string]string, attribute func(string) string, source Source, destination Mappable) {
	fields := make([]string, 0, len(mappings))
	for field := range mappings {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		path := mappings[field]
		// handle static strings as well as dynamic paths
		// escaping the value in backticks allows us to distinguish between the two
		if len(path) >= 2 && path[0] == '`' && path[len(path)-1] == '`' {
			destination.SetField(attribute(field), path[1:len(path)-1])
			continue
		}
		if result, exists := source.StringForPath(path); exists && result != "" {
			destination.SetField(attribute(field), result)
		} else {
			destination.SetField(attribute(field), MissingValue)
		}
	}
}
