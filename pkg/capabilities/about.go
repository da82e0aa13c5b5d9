package capabilities

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// SDKVersion is reported as sdk_version by --about.
const SDKVersion = "0.4.0"

// Output formats of --about.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// AboutInfo describes a connector.
type AboutInfo struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Version      string                 `json:"version"`
	SDKVersion   string                 `json:"sdk_version"`
	Capabilities []Capability           `json:"capabilities"`
	Settings     map[string]interface{} `json:"settings"`
}

// builtinSettings are the settings the runtime understands for a capability.
var builtinSettings = map[Capability]map[string]interface{}{
	StreamMaps: {
		"stream_maps": map[string]interface{}{
			"type":        []interface{}{"object", "null"},
			"description": "Inline stream map transformations keyed by stream name or glob.",
		},
		"stream_map_config": map[string]interface{}{
			"type":        []interface{}{"object", "null"},
			"description": "User-defined values available to stream map expressions.",
		},
	},
	Flattening: {
		"flattening_enabled": map[string]interface{}{
			"type":        []interface{}{"boolean", "null"},
			"description": "Flatten nested properties into parent__child columns.",
		},
		"flattening_max_depth": map[string]interface{}{
			"type":        []interface{}{"integer", "null"},
			"description": "Depth beyond which nested values are written as JSON strings.",
		},
	},
	Batch: {
		"batch_config": map[string]interface{}{
			"type":        []interface{}{"object", "null"},
			"description": "Write or read records as BATCH files.",
			"properties": map[string]interface{}{
				"encoding": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"format":      map[string]interface{}{"type": "string", "enum": []interface{}{"jsonl", "parquet", "avro"}},
						"compression": map[string]interface{}{"type": "string", "enum": []interface{}{"none", "gzip", "zstd", "lz4", "snappy"}},
					},
				},
				"storage": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"root":   map[string]interface{}{"type": "string", "description": "file://, s3:// or gs:// root."},
						"prefix": map[string]interface{}{"type": "string"},
					},
				},
				"batch_size": map[string]interface{}{"type": "integer", "default": 10000},
			},
		},
	},
	ValidateRecords: {
		"validate_records": map[string]interface{}{
			"type":        "boolean",
			"default":     true,
			"description": "Validate every record against its stream schema.",
		},
	},
}

// NewAboutInfo builds the about description. The settings schema is copied
// and extended with the built-in settings of the advertised capabilities.
func NewAboutInfo(name, description, version string, caps []Capability, settings map[string]interface{}) *AboutInfo {
	merged := jsonpool.CloneMap(settings)
	if merged == nil {
		merged = map[string]interface{}{"type": "object"}
	}
	props, _ := merged["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
		merged["properties"] = props
	}
	for _, c := range caps {
		for key, prop := range builtinSettings[c] {
			if _, ok := props[key]; !ok {
				props[key] = jsonpool.CloneValue(prop)
			}
		}
	}
	return &AboutInfo{
		Name:         name,
		Description:  description,
		Version:      version,
		SDKVersion:   SDKVersion,
		Capabilities: Sorted(caps),
		Settings:     merged,
	}
}

// Render writes the description in format, json when format is empty.
func (a *AboutInfo) Render(w io.Writer, format string) error {
	var out []byte
	switch strings.ToLower(format) {
	case "", FormatJSON:
		data, err := jsonpool.MarshalIndent(a, "", "  ")
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "failed to encode about info")
		}
		out = append(data, '\n')
	case FormatMarkdown:
		out = []byte(a.Markdown())
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown about format %q", format)
	}
	if _, err := w.Write(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write about info")
	}
	return nil
}

// Markdown renders the description as a README section.
func (a *AboutInfo) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# `%s`\n\n", a.Name)
	if a.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", a.Description)
	}
	fmt.Fprintf(&b, "Version %s, built with nebula-singer %s.\n\n", a.Version, a.SDKVersion)

	b.WriteString("## Capabilities\n\n")
	for _, c := range a.Capabilities {
		fmt.Fprintf(&b, "* `%s`\n", c)
	}

	b.WriteString("\n## Settings\n\n")
	b.WriteString("| Setting | Required | Default | Description |\n")
	b.WriteString("|:--------|:--------:|:-------:|:------------|\n")
	for _, row := range settingRows("", a.Settings) {
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", row.name, row.required, row.def, row.description)
	}
	b.WriteString("\nA full list of supported settings and capabilities is available by running: `--about`\n")
	return b.String()
}

type settingRow struct {
	name, required, def, description string
}

func settingRows(prefix string, doc map[string]interface{}) []settingRow {
	props, _ := doc["properties"].(map[string]interface{})
	required := map[string]bool{}
	if list, ok := doc["required"].([]interface{}); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows []settingRow
	for _, name := range names {
		prop, _ := props[name].(map[string]interface{})
		row := settingRow{name: prefix + name, required: "False", def: "None"}
		if required[name] {
			row.required = "True"
		}
		if def, ok := prop["default"]; ok {
			row.def = fmt.Sprint(def)
		}
		if desc, ok := prop["description"].(string); ok {
			row.description = strings.ReplaceAll(desc, "|", `\|`)
		}
		rows = append(rows, row)
		if _, nested := prop["properties"]; nested {
			rows = append(rows, settingRows(prefix+name+".", prop)...)
		}
	}
	return rows
}
