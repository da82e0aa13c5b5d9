package stream

import (
	"context"
	"sort"
	"sync"

	"github.com/ajitpratap0/nebula-singer/pkg/catalog"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// Node is one stream instance of a run with its runtime settings. The
// definition copy may be changed by the catalog and by replication
// compatibility fixes.
type Node struct {
	Stream   Stream
	Def      Definition
	Children []*Node
	Metadata catalog.MetadataList

	// MaxRecords caps emitted records in dry runs; 0 is unlimited
	MaxRecords int

	schemaOnce sync.Once
	schemaDoc  schema.Document
	schemaErr  error
}

// Name returns the stream name.
func (n *Node) Name() string { return n.Def.Name }

// ParentType returns the declared parent type or "".
func (n *Node) ParentType() string {
	if p, ok := n.Stream.(HasParent); ok {
		return p.ParentType()
	}
	return ""
}

// Selected reports whether the stream itself is selected.
func (n *Node) Selected() bool {
	return n.Metadata.IsSelected(catalog.Breadcrumb{})
}

// SetSelected selects or deselects the stream.
func (n *Node) SetSelected(selected bool) {
	n.Metadata.SetSelected(catalog.Breadcrumb{}, selected)
}

// HasSelectedDescendants reports whether any transitive child is selected.
func (n *Node) HasSelectedDescendants() bool {
	for _, child := range n.Children {
		if child.Selected() || child.HasSelectedDescendants() {
			return true
		}
	}
	return false
}

// Descendants returns every transitive child, depth first.
func (n *Node) Descendants() []*Node {
	var out []*Node
	for _, child := range n.Children {
		out = append(out, child)
		out = append(out, child.Descendants()...)
	}
	return out
}

// Schema resolves the stream's schema once.
func (n *Node) Schema(ctx context.Context) (schema.Document, error) {
	n.schemaOnce.Do(func() {
		if n.Def.Schema == nil {
			n.schemaErr = errors.Newf(errors.ErrorTypeSchemaNotFound, "stream %q has no schema", n.Def.Name)
			return
		}
		n.schemaDoc, n.schemaErr = n.Def.Schema.Schema(ctx)
	})
	return n.schemaDoc, n.schemaErr
}

// OverrideSchema replaces the schema, for catalogs that carry one.
func (n *Node) OverrideSchema(doc schema.Document) {
	n.schemaOnce.Do(func() {})
	n.schemaDoc = doc
	n.schemaErr = nil
}

// Mask returns the property selection of the stream.
func (n *Node) Mask() catalog.SelectionMask {
	return n.Metadata.ResolveSelection()
}

// Build wires child streams to parents and returns every stream ordered by
// name.
//
// Edges are between types: every instance of a child type becomes a child of
// every instance of its parent type. A parent type that no stream provides,
// a duplicate name or a cycle in the parent declarations is an error.
func Build(ctx context.Context, streams []Stream) ([]*Node, error) {
	byType := make(map[string][]*Node)
	names := make(map[string]bool)
	nodes := make([]*Node, 0, len(streams))

	for _, s := range streams {
		def := s.Definition()
		if def.Name == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "stream definition has no name")
		}
		if names[def.Name] {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate stream name %q", def.Name)
		}
		names[def.Name] = true

		node := &Node{Stream: s, Def: def}
		doc, err := node.Schema(ctx)
		if err != nil {
			return nil, err
		}
		selectedByDefault := !def.DeselectedByDefault
		node.Metadata = catalog.StandardMetadata(doc, "", def.PrimaryKeys, replicationKeys(def), string(def.ReplicationMethod), &selectedByDefault)

		nodes = append(nodes, node)
		byType[def.StreamType()] = append(byType[def.StreamType()], node)
	}

	parentOf := make(map[string]string)
	for _, node := range nodes {
		parentType := node.ParentType()
		if parentType == "" {
			continue
		}
		parents, ok := byType[parentType]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConfig, "stream %q declares unknown parent type %q", node.Name(), parentType)
		}
		parentOf[node.Def.StreamType()] = parentType
		for _, parent := range parents {
			parent.Children = append(parent.Children, node)
		}
	}

	if err := checkAcyclic(parentOf); err != nil {
		return nil, err
	}

	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Name() < nodes[j].Name() })
	for _, node := range nodes {
		sort.SliceStable(node.Children, func(i, j int) bool { return node.Children[i].Name() < node.Children[j].Name() })
	}
	return nodes, nil
}

func replicationKeys(def Definition) []string {
	if def.ReplicationKey == "" {
		return nil
	}
	return []string{def.ReplicationKey}
}

func checkAcyclic(parentOf map[string]string) error {
	for start := range parentOf {
		seen := map[string]bool{start: true}
		for current := parentOf[start]; current != ""; current = parentOf[current] {
			if seen[current] {
				return errors.Newf(errors.ErrorTypeConfig, "stream parent types form a cycle through %q", start)
			}
			seen[current] = true
		}
	}
	return nil
}

// FixReplicationCompatibility forces FULL_TABLE on every stream with a
// selected descendant that needs the complete parent record set. It returns
// the names of the streams it changed.
func FixReplicationCompatibility(nodes []*Node) []string {
	var changed []string
	for _, node := range nodes {
		for _, descendant := range node.Descendants() {
			if descendant.Selected() && descendant.Def.IgnoreParentReplicationKey {
				node.Def.ReplicationKey = ""
				node.Def.ReplicationMethod = FullTable
				changed = append(changed, node.Name())
				break
			}
		}
	}
	return changed
}

// ApplyCatalog binds the selection, keys, replication settings and schema of
// an input catalog onto matching nodes. Streams missing from the catalog
// keep their discovered defaults.
func ApplyCatalog(nodes []*Node, c *catalog.Catalog) {
	for _, node := range nodes {
		entry := c.Get(node.Name())
		if entry == nil {
			continue
		}
		node.Metadata = entry.Metadata
		if entry.KeyProperties != nil {
			node.Def.PrimaryKeys = entry.KeyProperties
		}
		if entry.ReplicationKey != "" {
			node.Def.ReplicationKey = entry.ReplicationKey
		}
		if entry.ReplicationMethod != "" {
			node.Def.ReplicationMethod = ReplicationMethod(entry.ReplicationMethod)
		}
		if len(entry.Schema) > 0 {
			node.OverrideSchema(entry.Schema)
		}
	}
}

// CatalogEntry renders the node for discovery output.
func (n *Node) CatalogEntry(ctx context.Context) (*catalog.Entry, error) {
	doc, err := n.Schema(ctx)
	if err != nil {
		return nil, err
	}
	return &catalog.Entry{
		TapStreamID:       n.Name(),
		Stream:            n.Name(),
		Schema:            doc,
		KeyProperties:     n.Def.PrimaryKeys,
		ReplicationKey:    n.Def.ReplicationKey,
		ReplicationMethod: string(n.Def.EffectiveReplicationMethod()),
		Metadata:          n.Metadata,
	}, nil
}
