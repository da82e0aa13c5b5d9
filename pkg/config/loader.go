package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// EnvInput is the --config value that pulls settings from the environment.
const EnvInput = "ENV"

// Load reads a JSON or YAML file into v, substituting ${VAR} references with
// environment values first.
func Load(filePath string, v interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "failed to read config file %s", filePath)
	}

	content := substituteEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(filePath), ".json") {
		if err := jsonpool.UnmarshalUseNumber([]byte(content), v); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig, "failed to parse JSON config %s", filePath)
		}
		return nil
	}
	if err := yaml.Unmarshal([]byte(content), v); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConfig, "failed to parse YAML config %s", filePath)
	}
	return nil
}

// Save writes v to a YAML file.
func Save(filePath string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeFile, "failed to write config file %s", filePath)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}

// LoadSettings merges every input left to right. An input is a file path or
// EnvInput; environment settings are looked up as <envPrefix><NAME> for every
// property declared by settingsSchema.
func LoadSettings(inputs []string, envPrefix string, settingsSchema map[string]interface{}) (Settings, error) {
	merged := Settings{}
	for _, input := range inputs {
		var layer Settings
		if input == EnvInput {
			var err error
			layer, err = settingsFromEnv(envPrefix, settingsSchema)
			if err != nil {
				return nil, err
			}
		} else {
			layer = Settings{}
			if err := Load(input, &layer); err != nil {
				return nil, err
			}
		}
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged, nil
}

// settingsFromEnv reads one environment variable per declared property and
// converts it according to the property's JSON schema type.
func settingsFromEnv(envPrefix string, settingsSchema map[string]interface{}) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(strings.TrimSuffix(envPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	props, _ := settingsSchema["properties"].(map[string]interface{})
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	out := Settings{}
	for _, name := range names {
		if err := v.BindEnv(name); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "failed to bind env for %s", name)
		}
		if !v.IsSet(name) {
			continue
		}
		prop, _ := props[name].(map[string]interface{})
		switch schema.PrimaryType(prop) {
		case "integer":
			out[name] = v.GetInt64(name)
		case "number":
			out[name] = v.GetFloat64(name)
		case "boolean":
			out[name] = v.GetBool(name)
		case "array", "object":
			var decoded interface{}
			raw := v.GetString(name)
			if err := jsonpool.Unmarshal([]byte(raw), &decoded); err != nil {
				if schema.PrimaryType(prop) == "array" {
					decoded = splitList(raw)
				} else {
					return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "env setting %s is not a JSON object", name)
				}
			}
			out[name] = decoded
		default:
			out[name] = v.GetString(name)
		}
	}
	return out, nil
}

func splitList(raw string) []interface{} {
	parts := strings.Split(raw, ",")
	out := make([]interface{}, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateSettings checks settings against the connector's settings schema and
// reports every violation in a single config error.
func ValidateSettings(settings Settings, settingsSchema map[string]interface{}) error {
	if len(settingsSchema) == 0 {
		return nil
	}
	validator, err := schema.NewValidator(settingsSchema)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "settings schema is invalid")
	}
	violations := validator.Violations(map[string]interface{}(normalize(settings).(Settings)))
	if len(violations) == 0 {
		return nil
	}
	return errors.Newf(errors.ErrorTypeConfig, "config validation failed: %s", strings.Join(violations, "; ")).
		WithDetail("errors", violations)
}

// normalize converts YAML decoded values into the shapes JSON schema
// validation expects.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case Settings:
		out := Settings{}
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]interface{}:
		out := map[string]interface{}{}
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return int64(t)
	}
	return v
}
