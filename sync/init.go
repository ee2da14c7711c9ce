package sync

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

type Flavour int

const (
	Zendesk2Dataverse Flavour = iota
)

func (f Flavour) String() string {
	switch f {
	case Zendesk2Dataverse:
		return "zendesk2dataverse"
	default:
		return "unknown"
	}
}

// initialisedFlavour stores the flavour set by Init.
// A nil value means Init has not been called.
var initialisedFlavour *Flavour

// mustBeInitialised panics if Init has not been called.
// This should be called at the entry points of the library
// to catch programming errors early.
func mustBeInitialised() Flavour {
	if initialisedFlavour == nil {
		panic("sync: Init() must be called before using this package")
	}
	return *initialisedFlavour
}

// GetInitialisedFlavour returns the flavour set by Init.
// Panics if Init has not been called.
func GetInitialisedFlavour() Flavour {
	return mustBeInitialised()
}

// Init registers the gjson modifiers used by ticket field mappings.
func Init(flavour Flavour) {

	f := flavour
	initialisedFlavour = &f

	if flavour == Zendesk2Dataverse {

		// "open" => "Open", "urgent" => "Urgent"
		gjson.AddModifier("capitalise", func(json, arg string) string {
			res := gjson.Parse(json)
			if !res.Exists() {
				return ""
			}
			return jsonString(capitalise(res.String()))
		})

		gjson.AddModifier("trim", func(json, arg string) string {
			res := gjson.Parse(json)
			if !res.Exists() {
				return ""
			}
			return jsonString(strings.TrimSpace(res.String()))
		})

		gjson.AddModifier("lower", func(json, arg string) string {
			res := gjson.Parse(json)
			if !res.Exists() {
				return ""
			}
			return jsonString(strings.ToLower(res.String()))
		})

		// reformats an RFC3339 timestamp, arg is a Go layout (defaults to RFC3339 in UTC)
		gjson.AddModifier("utc", func(json, arg string) string {
			res := gjson.Parse(json)
			if !res.Exists() {
				return ""
			}
			t, err := time.Parse(time.RFC3339, res.String())
			if err != nil {
				return json
			}
			layout := time.RFC3339
			if arg != "" {
				layout = strings.Trim(arg, `"`)
			}
			return jsonString(t.UTC().Format(layout))
		})

		gjson.AddModifier("now", func(json, arg string) string {
			return jsonString(time.Now().UTC().Format(time.RFC3339))
		})

	}

}

func capitalise(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
