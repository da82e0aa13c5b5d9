package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usersSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"id":         map[string]interface{}{"type": "integer"},
		"name":       map[string]interface{}{"type": "string"},
		"email":      map[string]interface{}{"type": "string"},
		"updated_at": map[string]interface{}{"type": "string", "format": "date-time"},
	},
}

func boolPtr(b bool) *bool { return &b }

func TestStandardMetadata(t *testing.T) {
	md := StandardMetadata(usersSchema, "users", []string{"id"}, []string{"updated_at"}, "INCREMENTAL", nil)

	root := md.Get(Breadcrumb{})
	require.NotNil(t, root)
	assert.Equal(t, InclusionAvailable, root.Inclusion)
	assert.Equal(t, []string{"id"}, root.TableKeyProperties)
	assert.Equal(t, "INCREMENTAL", root.ForcedReplicationMethod)

	assert.Equal(t, InclusionAutomatic, md.Get(Breadcrumb{"properties", "id"}).Inclusion)
	assert.Equal(t, InclusionAutomatic, md.Get(Breadcrumb{"properties", "updated_at"}).Inclusion)
	assert.Equal(t, InclusionAvailable, md.Get(Breadcrumb{"properties", "email"}).Inclusion)
	assert.Len(t, md, 5)
}

func TestSelectionRules(t *testing.T) {
	md := StandardMetadata(usersSchema, "", []string{"id"}, nil, "", nil)

	// nothing selected explicitly and no selected-by-default
	assert.False(t, md.IsSelected(Breadcrumb{}))

	md.SetSelected(Breadcrumb{}, true)
	assert.True(t, md.IsSelected(Breadcrumb{}))
	assert.True(t, md.IsSelected(Breadcrumb{"properties", "id"}))
	assert.False(t, md.IsSelected(Breadcrumb{"properties", "email"}))

	md.SetSelected(Breadcrumb{"properties", "email"}, true)
	assert.True(t, md.IsSelected(Breadcrumb{"properties", "email"}))

	md.Get(Breadcrumb{"properties", "name"}).Inclusion = InclusionUnsupported
	md.SetSelected(Breadcrumb{"properties", "name"}, true)
	assert.False(t, md.IsSelected(Breadcrumb{"properties", "name"}))

	// automatic properties ignore an explicit deselect
	md.SetSelected(Breadcrumb{"properties", "id"}, false)
	assert.True(t, md.IsSelected(Breadcrumb{"properties", "id"}))

	// a deselected stream deselects every property
	md.SetSelected(Breadcrumb{}, false)
	assert.False(t, md.IsSelected(Breadcrumb{"properties", "id"}))

	assert.True(t, MetadataList(nil).IsSelected(Breadcrumb{}))
}

func TestSelectedByDefault(t *testing.T) {
	md := StandardMetadata(usersSchema, "", nil, nil, "", boolPtr(true))
	assert.True(t, md.IsSelected(Breadcrumb{}))
	assert.True(t, md.IsSelected(Breadcrumb{"properties", "name"}))
}

func TestPopDeselected(t *testing.T) {
	md := StandardMetadata(usersSchema, "", []string{"id"}, nil, "", boolPtr(true))
	md.SetSelected(Breadcrumb{"properties", "email"}, false)
	mask := md.ResolveSelection()

	record := map[string]interface{}{"id": 1, "name": "a", "email": "a@example.com", "extra": true}
	PopDeselected(record, usersSchema, mask)
	assert.Equal(t, map[string]interface{}{"id": 1, "name": "a", "extra": true}, record)

	filtered := FilterSchema(usersSchema, mask)
	assert.NotContains(t, filtered["properties"], "email")
	assert.Contains(t, usersSchema["properties"], "email")
}

func TestCatalogRoundTrip(t *testing.T) {
	c := &Catalog{}
	c.Add(&Entry{TapStreamID: "users", Schema: usersSchema, Metadata: StandardMetadata(usersSchema, "", []string{"id"}, nil, "", nil)})
	c.Add(&Entry{TapStreamID: "accounts", Schema: map[string]interface{}{"type": "object"}})
	c.Add(&Entry{TapStreamID: "users", Schema: usersSchema})
	require.Len(t, c.Streams, 2)

	data, err := c.MarshalIndent()
	require.NoError(t, err)
	assert.Equal(t, "accounts", c.Streams[0].TapStreamID)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, parsed.Get("users"))
	assert.Nil(t, parsed.Get("nope"))

	_, err = Parse([]byte(`{"streams": [{"schema": {}}]}`))
	assert.Error(t, err)
}
