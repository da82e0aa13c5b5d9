// Package catalog models the Singer catalog: stream entries, their metadata
// and the selection rules derived from it.
package catalog

import (
	"os"
	"sort"
	"strings"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// Inclusion values of stream and property metadata.
const (
	InclusionAvailable   = "available"
	InclusionAutomatic   = "automatic"
	InclusionUnsupported = "unsupported"
)

// Breadcrumb addresses a node of a stream schema: empty for the stream
// itself, ["properties", "name"] for a top level property.
type Breadcrumb []string

// Key returns a map key for the breadcrumb.
func (b Breadcrumb) Key() string {
	return strings.Join(b, "\x1f")
}

// Parent returns the breadcrumb of the enclosing node.
func (b Breadcrumb) Parent() Breadcrumb {
	if len(b) < 2 {
		return Breadcrumb{}
	}
	return b[:len(b)-2]
}

// Metadata holds the metadata of one breadcrumb.
type Metadata struct {
	Inclusion               string   `json:"inclusion,omitempty"`
	Selected                *bool    `json:"selected,omitempty"`
	SelectedByDefault       *bool    `json:"selected-by-default,omitempty"`
	TableKeyProperties      []string `json:"table-key-properties,omitempty"`
	ValidReplicationKeys    []string `json:"valid-replication-keys,omitempty"`
	ForcedReplicationMethod string   `json:"forced-replication-method,omitempty"`
	SchemaName              string   `json:"schema-name,omitempty"`
}

// MetadataEntry pairs a breadcrumb with its metadata.
type MetadataEntry struct {
	Breadcrumb Breadcrumb `json:"breadcrumb"`
	Metadata   Metadata   `json:"metadata"`
}

// MetadataList is the metadata array of a catalog entry.
type MetadataList []MetadataEntry

// Get returns the metadata at breadcrumb, or nil.
func (l MetadataList) Get(b Breadcrumb) *Metadata {
	key := b.Key()
	for i := range l {
		if l[i].Breadcrumb.Key() == key {
			return &l[i].Metadata
		}
	}
	return nil
}

// Root returns the stream level metadata, creating it when missing.
func (l *MetadataList) Root() *Metadata {
	if md := l.Get(Breadcrumb{}); md != nil {
		return md
	}
	*l = append(*l, MetadataEntry{Breadcrumb: Breadcrumb{}})
	return &(*l)[len(*l)-1].Metadata
}

// SetSelected marks breadcrumb selected or deselected, adding an entry when needed.
func (l *MetadataList) SetSelected(b Breadcrumb, selected bool) {
	if md := l.Get(b); md != nil {
		md.Selected = &selected
		return
	}
	*l = append(*l, MetadataEntry{Breadcrumb: b, Metadata: Metadata{Selected: &selected}})
}

// IsSelected applies the Singer selection rules to breadcrumb: a deselected
// parent deselects its children, unsupported is never selected, automatic
// is always selected, then the explicit selected flag, then
// selected-by-default. Without any metadata everything is selected.
func (l MetadataList) IsSelected(b Breadcrumb) bool {
	if len(l) == 0 {
		return true
	}

	parentSelected := true
	if len(b) > 0 {
		parentSelected = l.IsSelected(b.Parent())
		if !parentSelected {
			return false
		}
	}

	md := l.Get(b)
	if md == nil {
		if len(b) == 0 {
			return false
		}
		return parentSelected
	}
	switch md.Inclusion {
	case InclusionUnsupported:
		return false
	case InclusionAutomatic:
		return true
	}
	if md.Selected != nil {
		return *md.Selected
	}
	if md.SelectedByDefault != nil {
		return *md.SelectedByDefault
	}
	return false
}

// SelectionMask records the selection of every breadcrumb of a stream.
type SelectionMask map[string]bool

// Selected reports whether b is selected. Unknown breadcrumbs inherit from
// their parent.
func (m SelectionMask) Selected(b Breadcrumb) bool {
	for {
		if v, ok := m[b.Key()]; ok {
			return v
		}
		if len(b) == 0 {
			return true
		}
		b = b.Parent()
	}
}

// ResolveSelection computes the mask of every breadcrumb with metadata.
func (l MetadataList) ResolveSelection() SelectionMask {
	mask := SelectionMask{Breadcrumb{}.Key(): l.IsSelected(Breadcrumb{})}
	for _, entry := range l {
		mask[entry.Breadcrumb.Key()] = l.IsSelected(entry.Breadcrumb)
	}
	return mask
}

// StandardMetadata builds the metadata for a discovered stream: a root entry
// with key properties, replication keys and forced method, and one entry per
// top level property. Key properties and replication keys are automatic.
func StandardMetadata(schema map[string]interface{}, schemaName string, keyProperties, replicationKeys []string, replicationMethod string, selectedByDefault *bool) MetadataList {
	root := Metadata{
		TableKeyProperties:      keyProperties,
		ValidReplicationKeys:    replicationKeys,
		ForcedReplicationMethod: replicationMethod,
		SelectedByDefault:       selectedByDefault,
		SchemaName:              schemaName,
	}
	if schema != nil {
		root.Inclusion = InclusionAvailable
	}

	list := MetadataList{{Breadcrumb: Breadcrumb{}, Metadata: root}}

	props, _ := schema["properties"].(map[string]interface{})
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	yes := true
	for _, name := range names {
		md := Metadata{Inclusion: InclusionAvailable, SelectedByDefault: selectedByDefault}
		if contains(keyProperties, name) || contains(replicationKeys, name) {
			md = Metadata{Inclusion: InclusionAutomatic, SelectedByDefault: &yes}
		}
		list = append(list, MetadataEntry{Breadcrumb: Breadcrumb{"properties", name}, Metadata: md})
	}
	return list
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Entry is one stream of the catalog.
type Entry struct {
	TapStreamID       string                 `json:"tap_stream_id"`
	Stream            string                 `json:"stream,omitempty"`
	Schema            map[string]interface{} `json:"schema"`
	KeyProperties     []string               `json:"key_properties,omitempty"`
	ReplicationKey    string                 `json:"replication_key,omitempty"`
	ReplicationMethod string                 `json:"replication_method,omitempty"`
	Metadata          MetadataList           `json:"metadata"`
}

// IsSelected reports whether the stream itself is selected.
func (e *Entry) IsSelected() bool {
	return e.Metadata.IsSelected(Breadcrumb{})
}

// Catalog is the set of streams offered or selected for a run.
type Catalog struct {
	Streams []*Entry `json:"streams"`
}

// Get returns the entry with the given tap_stream_id, or nil.
func (c *Catalog) Get(streamID string) *Entry {
	for _, e := range c.Streams {
		if e.TapStreamID == streamID {
			return e
		}
	}
	return nil
}

// Add appends or replaces the entry with the same tap_stream_id.
func (c *Catalog) Add(entry *Entry) {
	for i, e := range c.Streams {
		if e.TapStreamID == entry.TapStreamID {
			c.Streams[i] = entry
			return
		}
	}
	c.Streams = append(c.Streams, entry)
}

// Sort orders streams by tap_stream_id.
func (c *Catalog) Sort() {
	sort.SliceStable(c.Streams, func(i, j int) bool {
		return c.Streams[i].TapStreamID < c.Streams[j].TapStreamID
	})
}

// MarshalIndent renders the catalog sorted by stream for discovery output.
func (c *Catalog) MarshalIndent() ([]byte, error) {
	c.Sort()
	if c.Streams == nil {
		c.Streams = []*Entry{}
	}
	return jsonpool.MarshalIndent(c, "", "  ")
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := jsonpool.UnmarshalUseNumber(data, &c); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid catalog")
	}
	for _, e := range c.Streams {
		if e == nil || e.TapStreamID == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "catalog stream is missing tap_stream_id")
		}
	}
	return &c, nil
}

// Load reads a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from --catalog
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to read catalog %s", path)
	}
	return Parse(data)
}
