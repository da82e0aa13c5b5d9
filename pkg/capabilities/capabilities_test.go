package capabilities

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

func TestWarnDeprecated(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	Warn(zap.New(core), []Capability{Catalog, Properties, State})

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "properties", entry.ContextMap()["capability"])
	assert.Equal(t, "Please use CATALOG instead.", entry.ContextMap()["advice"])

	_, ok := Catalog.Deprecated()
	assert.False(t, ok)
}

func TestSortedDedupes(t *testing.T) {
	got := Sorted([]Capability{State, About, State, Catalog})
	assert.Equal(t, []Capability{About, Catalog, State}, got)
	assert.True(t, Has(got, Catalog))
	assert.False(t, Has(got, Batch))
}

func gitlabSettings() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"private_token"},
		"properties": map[string]interface{}{
			"private_token": map[string]interface{}{"type": "string", "description": "Personal access token."},
			"api_url":       map[string]interface{}{"type": "string", "default": "https://gitlab.com"},
		},
	}
}

func TestAboutMergesBuiltinSettings(t *testing.T) {
	settings := gitlabSettings()
	info := NewAboutInfo("tap-gitlab", "GitLab tap", "1.0.0", []Capability{StreamMaps, Catalog, Batch}, settings)

	props := info.Settings["properties"].(map[string]interface{})
	assert.Contains(t, props, "stream_maps")
	assert.Contains(t, props, "batch_config")
	assert.NotContains(t, props, "flattening_enabled")
	assert.Len(t, settings["properties"], 2, "the input schema is not modified")
	assert.Equal(t, SDKVersion, info.SDKVersion)
	assert.Equal(t, []Capability{Batch, Catalog, StreamMaps}, info.Capabilities)
}

func TestAboutJSON(t *testing.T) {
	info := NewAboutInfo("tap-gitlab", "GitLab tap", "1.0.0", []Capability{Catalog}, gitlabSettings())
	var buf bytes.Buffer
	require.NoError(t, info.Render(&buf, FormatJSON))

	var decoded map[string]interface{}
	require.NoError(t, jsonpool.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "tap-gitlab", decoded["name"])
	assert.Equal(t, []interface{}{"catalog"}, decoded["capabilities"])
	assert.Contains(t, decoded, "sdk_version")
	assert.Contains(t, decoded, "settings")
}

func TestAboutMarkdown(t *testing.T) {
	info := NewAboutInfo("tap-gitlab", "GitLab tap", "1.0.0", []Capability{Batch}, gitlabSettings())
	md := info.Markdown()

	assert.Contains(t, md, "# `tap-gitlab`")
	assert.Contains(t, md, "* `batch`")
	assert.Contains(t, md, "| private_token | True | None | Personal access token. |")
	assert.Contains(t, md, "| api_url | False | https://gitlab.com |  |")
	assert.Contains(t, md, "| batch_config.batch_size | False | 10000 |  |")
}

func TestAboutUnknownFormat(t *testing.T) {
	info := NewAboutInfo("tap-gitlab", "", "1.0.0", nil, nil)
	assert.Error(t, info.Render(&bytes.Buffer{}, "yaml"))
}
