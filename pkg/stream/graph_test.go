package stream

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/catalog"
	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

type fakeStream struct {
	def Definition
}

func (f *fakeStream) Definition() Definition { return f.def }

func (f *fakeStream) Records(context.Context, Context) iter.Seq2[Record, error] {
	return func(func(Record, error) bool) {}
}

type childStream struct {
	fakeStream
	parent string
}

func (c *childStream) ParentType() string { return c.parent }

var idSchema = schema.Static{"type": "object", "properties": map[string]interface{}{
	"id":         map[string]interface{}{"type": "integer"},
	"updated_at": map[string]interface{}{"type": "string"},
}}

func newFake(name, typ string) *fakeStream {
	return &fakeStream{def: Definition{Name: name, Type: typ, PrimaryKeys: []string{"id"}, Schema: idSchema}}
}

func newChild(name, typ, parent string) *childStream {
	return &childStream{fakeStream: *newFake(name, typ), parent: parent}
}

func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return out
}

func TestBuildSortsByName(t *testing.T) {
	ctx := context.Background()
	streams := []Stream{newFake("zeta", ""), newFake("alpha", ""), newFake("mid", "")}

	nodes, err := Build(ctx, streams)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names(nodes))

	reversed, err := Build(ctx, []Stream{streams[2], streams[1], streams[0]})
	require.NoError(t, err)
	assert.Equal(t, names(nodes), names(reversed))
}

func TestBuildWiresTypeLevelEdges(t *testing.T) {
	ctx := context.Background()
	nodes, err := Build(ctx, []Stream{
		newFake("projects_a", "project"),
		newFake("projects_b", "project"),
		newChild("issues", "issue", "project"),
		newChild("notes", "note", "issue"),
	})
	require.NoError(t, err)

	byName := map[string]*Node{}
	for _, n := range nodes {
		byName[n.Name()] = n
	}
	// every instance of the parent type receives the child
	assert.Equal(t, []string{"issues"}, names(byName["projects_a"].Children))
	assert.Equal(t, []string{"issues"}, names(byName["projects_b"].Children))
	assert.Equal(t, []string{"notes"}, names(byName["issues"].Children))
	assert.Equal(t, []string{"issues", "notes"}, names(byName["projects_a"].Descendants()))
	assert.Equal(t, "project", byName["issues"].ParentType())
}

func TestBuildRejectsBadGraphs(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		streams []Stream
	}{
		{"unknown parent", []Stream{newChild("issues", "issue", "project")}},
		{"duplicate name", []Stream{newFake("a", ""), newFake("a", "")}},
		{"cycle", []Stream{newChild("a", "a", "b"), newChild("b", "b", "a")}},
		{"no name", []Stream{newFake("", "")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(ctx, tt.streams)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}

func TestSelectionAndDescendants(t *testing.T) {
	ctx := context.Background()
	parent := newFake("projects", "")
	parent.def.DeselectedByDefault = true
	child := newChild("issues", "", "projects")
	child.def.DeselectedByDefault = true

	nodes, err := Build(ctx, []Stream{parent, child})
	require.NoError(t, err)
	issues, projects := nodes[0], nodes[1]

	assert.False(t, projects.Selected())
	assert.False(t, projects.HasSelectedDescendants())

	issues.SetSelected(true)
	assert.False(t, projects.Selected())
	assert.True(t, projects.HasSelectedDescendants())
}

func TestFixReplicationCompatibility(t *testing.T) {
	ctx := context.Background()
	parent := newFake("projects", "")
	parent.def.ReplicationKey = "updated_at"
	child := newChild("issues", "", "projects")
	child.def.IgnoreParentReplicationKey = true

	nodes, err := Build(ctx, []Stream{parent, child})
	require.NoError(t, err)
	projects := nodes[1]
	assert.Equal(t, Incremental, projects.Def.EffectiveReplicationMethod())

	nodes[0].SetSelected(false)
	assert.Empty(t, FixReplicationCompatibility(nodes))

	nodes[0].SetSelected(true)
	assert.Equal(t, []string{"projects"}, FixReplicationCompatibility(nodes))
	assert.Equal(t, FullTable, projects.Def.EffectiveReplicationMethod())
	assert.Empty(t, projects.Def.ReplicationKey)
}

func TestApplyCatalog(t *testing.T) {
	ctx := context.Background()
	nodes, err := Build(ctx, []Stream{newFake("users", ""), newFake("groups", "")})
	require.NoError(t, err)

	entry, err := nodes[1].CatalogEntry(ctx)
	require.NoError(t, err)
	assert.Equal(t, "FULL_TABLE", entry.ReplicationMethod)

	entry.Metadata.SetSelected(catalog.Breadcrumb{}, false)
	entry.ReplicationKey = "updated_at"
	entry.Schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}

	ApplyCatalog(nodes, &catalog.Catalog{Streams: []*catalog.Entry{entry}})

	users := nodes[1]
	assert.False(t, users.Selected())
	assert.Equal(t, "updated_at", users.Def.ReplicationKey)
	doc, err := users.Schema(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc["properties"])

	// groups is not in the catalog and keeps its defaults
	assert.True(t, nodes[0].Selected())
}
