// Package config loads and validates connector settings.
//
// Settings arrive through one or more --config inputs. Each input is either a
// JSON or YAML file, or the literal ENV, which reads every property declared
// by the connector's settings schema from prefixed environment variables.
// Inputs merge left to right.
//
// # Usage
//
//	settings, err := config.LoadSettings([]string{"config.json", "ENV"}, "TAP_GITLAB_", settingsSchema)
//	if err != nil {
//		return err
//	}
//	if err := config.ValidateSettings(settings, settingsSchema); err != nil {
//		return err // ErrorTypeConfig, every violation listed in Details["errors"]
//	}
//	cfg, err := config.NewTargetConfigFromSettings(settings)
//
// # Environment Variable Substitution
//
// Files may reference environment variables with ${VAR_NAME}:
//
//	{"private_token": "${GITLAB_TOKEN}"}
//
// # Defaults
//
// TargetConfig defaults follow the Singer SDK: batch_size_rows 10000,
// max_parallelism 8, primary_key_required and validate_records on,
// load_method append-only. A batch_wait_limit_seconds of zero disables the
// time based flush trigger.
package config
