package sync

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
)

// FieldDocRow represents a single row in the ticket field mapping documentation.
type FieldDocRow struct {
	Field      string // Mapping key without schema prefix (e.g., "ticketid")
	Attribute  string // Full CRM attribute (e.g., "im360_ticketid")
	SourcePath string // Helpdesk ticket path, "(static)" for backtick values
	Enriched   bool   // Whether the value is resolved during enrichment
	Notes      string
}

// FieldDocumentation describes how helpdesk tickets land on CRM ticket attributes.
type FieldDocumentation struct {
	EntitySet string
	Rows      []FieldDocRow
}

// GenerateFieldDocumentation generates field documentation from Config.TicketFieldMappings.
// Rows from the raw ticket come first, then enriched values, each group sorted by field.
func GenerateFieldDocumentation(cfg Config) FieldDocumentation {
	doc := FieldDocumentation{
		EntitySet: cfg.CRM.Tickets.EntitySet,
		Rows:      []FieldDocRow{},
	}
	for field, path := range cfg.TicketFieldMappings {
		doc.Rows = append(doc.Rows, createFieldDocRow(cfg, field, path))
	}
	sort.SliceStable(doc.Rows, func(i, j int) bool {
		if doc.Rows[i].Enriched != doc.Rows[j].Enriched {
			return !doc.Rows[i].Enriched
		}
		return doc.Rows[i].Field < doc.Rows[j].Field
	})
	return doc
}

func createFieldDocRow(cfg Config, field, path string) FieldDocRow {
	row := FieldDocRow{Field: field, Attribute: cfg.Attribute(field)}

	if len(path) >= 2 && path[0] == '`' && path[len(path)-1] == '`' {
		row.SourcePath = "(static)"
		row.Notes = fmt.Sprintf("Always %q", path[1:len(path)-1])
		return row
	}

	sourcePath, modifiers := parseSourcePath(path)
	row.SourcePath = sourcePath
	row.Enriched = strings.HasPrefix(sourcePath, "enriched.")

	notes := []string{}
	if row.Enriched {
		notes = append(notes, "Resolved during enrichment")
	}
	for _, m := range modifiers {
		notes = append(notes, formatModifierNote(m))
	}
	notes = append(notes, fmt.Sprintf("%q when missing", MissingValue))
	row.Notes = strings.Join(notes, " | ")
	return row
}

// parseSourcePath splits a mapping value into its path and gjson modifiers.
// e.g., "subject|@trim" -> ("subject", ["@trim"])
func parseSourcePath(value string) (string, []string) {
	if value == "" {
		return "(none)", nil
	}
	parts := strings.Split(value, "|")
	var modifiers []string
	for _, part := range parts[1:] {
		if strings.HasPrefix(part, "@") {
			modifiers = append(modifiers, part)
		}
	}
	return parts[0], modifiers
}

func formatModifierNote(modifier string) string {
	switch {
	case modifier == "@trim":
		return "Trims whitespace"
	case modifier == "@capitalise":
		return "Capitalises the first letter"
	case modifier == "@lower":
		return "Converts to lowercase"
	case modifier == "@now":
		return "Current time"
	case strings.HasPrefix(modifier, "@utc"):
		if arg := strings.TrimPrefix(modifier, "@utc:"); arg != modifier {
			return fmt.Sprintf("Formats as UTC using %s", arg)
		}
		return "Formats as UTC"
	default:
		return fmt.Sprintf("Modifier: %s", modifier)
	}
}

// FormatCSV formats the field documentation as CSV.
func (d FieldDocumentation) FormatCSV() (string, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{fmt.Sprintf("# Entity set: %s", d.EntitySet)}); err != nil {
		return "", err
	}
	if err := writer.Write([]string{"CRM Attribute", "Helpdesk Source Path", "Enriched", "Mapping Notes"}); err != nil {
		return "", err
	}
	for _, row := range d.Rows {
		enriched := ""
		if row.Enriched {
			enriched = "yes"
		}
		if err := writer.Write([]string{row.Attribute, row.SourcePath, enriched, row.Notes}); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
