package gitlab

import (
	"github.com/ajitpratap0/nebula-singer/pkg/capabilities"
	"github.com/ajitpratap0/nebula-singer/pkg/connector/registry"
)

// Name is the registered tap name.
const Name = "gitlab"

// Info describes the tap for --about.
func Info() *registry.ConnectorInfo {
	return &registry.ConnectorInfo{
		Name:         Name,
		Description:  "Projects and issues from the GitLab REST API",
		Version:      "0.1.0",
		Capabilities: capabilities.DefaultTap,
		ConfigSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"private_token"},
			"properties": map[string]interface{}{
				"api_url":       map[string]interface{}{"type": "string", "default": defaultAPIURL, "description": "GitLab API root"},
				"private_token": map[string]interface{}{"type": "string", "secret": true, "description": "Personal, group or project access token"},
				"auth_method": map[string]interface{}{
					"type":    "string",
					"default": AuthBearer,
					"enum":    []interface{}{AuthBearer, AuthPrivateToken},
				},
				"projects": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Project ids or full paths to sync; all member projects when empty",
				},
				"page_size":               map[string]interface{}{"type": "integer", "default": 100, "minimum": 1, "maximum": 100},
				"request_timeout_seconds": map[string]interface{}{"type": "integer", "default": 300},
				"max_retries":             map[string]interface{}{"type": "integer", "default": 5},
				"start_date":              map[string]interface{}{"type": "string", "format": "date-time"},
			},
		},
	}
}

func init() {
	_ = registry.RegisterTap(Info(), Streams)
}
