// Package mapper applies inline stream maps and schema flattening to the
// SCHEMA and RECORD messages a tap emits.
//
// A stream_maps setting is keyed by stream name or glob:
//
//	{
//	  "users": {"email": "md5(email)", "ssn": null},
//	  "users_clone": {"__source__": "users"},
//	  "logs_*": null,
//	  "__else__": null
//	}
package mapper

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

// Config configures a Mapper.
type Config struct {
	StreamMaps map[string]interface{}
	// MapConfig is exposed to expressions as `config`
	MapConfig  map[string]interface{}
	Flattening Flattening
}

type mapDefinition struct {
	key string
	def interface{}
}

// Mapper holds the stream maps of every registered stream.
type Mapper struct {
	config        Config
	definitions   []mapDefinition
	removeUnknown bool
	streams       map[string][]*StreamMap
	logger        *zap.Logger
}

// New validates cfg and returns a Mapper.
func New(cfg Config, logger *zap.Logger) (*Mapper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mapper{
		config:  cfg,
		streams: make(map[string][]*StreamMap),
		logger:  logger,
	}

	for key, def := range cfg.StreamMaps {
		if key == ElseOption {
			if !isNull(def) {
				return nil, errors.Newf(errors.ErrorTypeConfig, "undefined transform for '%s' case: %v", ElseOption, def)
			}
			logger.Info("unmapped streams will be excluded from output", zap.String("option", ElseOption))
			m.removeUnknown = true
			continue
		}
		if strings.HasPrefix(key, "__") {
			return nil, errors.Newf(errors.ErrorTypeConfig, "option '%s:%v' is not expected", key, def)
		}
		if _, err := doublestar.Match(key, ""); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConfig, "invalid stream map pattern '%s'", key)
		}
		m.definitions = append(m.definitions, mapDefinition{key: key, def: def})
	}
	sort.Slice(m.definitions, func(i, j int) bool { return m.definitions[i].key < m.definitions[j].key })
	return m, nil
}

// Active reports whether any map or flattening applies.
func (m *Mapper) Active() bool {
	return len(m.definitions) > 0 || m.removeUnknown || m.config.Flattening.active()
}

// StreamMaps returns the maps registered for stream.
func (m *Mapper) StreamMaps(stream string) []*StreamMap {
	return m.streams[stream]
}

// Register builds the maps of a stream from its schema and key properties.
// Registering the same schema and keys again returns the existing maps and
// changed is false.
func (m *Mapper) Register(stream string, doc schema.Document, keys []string) (maps []*StreamMap, changed bool, err error) {
	if existing, ok := m.streams[stream]; ok {
		primary := existing[0]
		if jsonpool.Equal(primary.rawSchema, doc) && equalStrings(primary.rawKeys, keys) {
			return existing, false, nil
		}
		delete(m.streams, stream)
	}

	var primary *StreamMap
	if m.removeUnknown {
		primary = newRemoveMap(stream, stream, doc)
	} else {
		primary = newSameMap(stream, doc, keys, m.config.Flattening)
	}
	maps = []*StreamMap{primary}

	for _, d := range m.definitions {
		def := d.def
		source, alias := d.key, d.key
		isPrimary := true

		if obj, ok := def.(map[string]interface{}); ok {
			obj = shallowCopy(obj)
			if src, ok := obj[SourceOption].(string); ok {
				// <alias>: {__source__: <source>}
				source = src
				isPrimary = false
				delete(obj, SourceOption)
			} else if a, ok := obj[AliasOption].(string); ok {
				// <source>: {__alias__: <alias>}
				alias = evalAlias(a, stream)
				delete(obj, AliasOption)
			}
			def = obj
		}

		if stream != source {
			match, _ := doublestar.Match(source, stream)
			if !match {
				continue
			}
			if alias == source {
				alias = stream
			}
			source = stream
		}

		var sm *StreamMap
		switch t := def.(type) {
		case map[string]interface{}:
			sm, err = newCustomMap(alias, stream, doc, keys, t, m.config.MapConfig, m.config.Flattening)
			if err != nil {
				return nil, false, err
			}
		case nil:
			sm = newRemoveMap(alias, stream, doc)
			m.logger.Info("stream removed by stream map", zap.String("stream", stream))
		case string:
			if t != NullString {
				return nil, false, errors.Newf(errors.ErrorTypeConfig, "option '%s:%s' is not expected", d.key, t)
			}
			sm = newRemoveMap(alias, stream, doc)
			m.logger.Info("stream removed by stream map", zap.String("stream", stream))
		default:
			return nil, false, errors.Newf(errors.ErrorTypeConfig,
				"unexpected stream definition type %T for '%s'; expected object, string or null", def, d.key)
		}

		if isPrimary {
			maps[0] = sm
		} else {
			maps = append(maps, sm)
		}
	}

	m.streams[stream] = maps
	return maps, true, nil
}

// Transform applies every map of stream to record. Each result is paired
// with the map that produced it; dropped records produce nothing.
func (m *Mapper) Transform(stream string, record map[string]interface{}) ([]Mapped, error) {
	maps, ok := m.streams[stream]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeRecordsWithoutSchema, "stream '%s' has no registered schema", stream)
	}
	out := make([]Mapped, 0, len(maps))
	for _, sm := range maps {
		rec, keep, err := sm.Transform(record)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, Mapped{Map: sm, Record: rec})
		}
	}
	return out, nil
}

// Mapped is one output record.
type Mapped struct {
	Map    *StreamMap
	Record map[string]interface{}
}

// evalAlias evaluates an alias expression with __stream_name__ in scope. An
// alias that is not a valid expression, or does not produce a string, is
// used verbatim.
func evalAlias(src, stream string) string {
	expr, err := compileExpression(src)
	if err != nil {
		return src
	}
	v, err := expr.eval(recordEnv(nil, nil, stream, stream))
	if err != nil {
		return src
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return src
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
