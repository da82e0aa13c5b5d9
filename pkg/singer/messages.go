// Package singer implements the Singer wire protocol: newline delimited JSON
// messages exchanged between taps and targets.
package singer

import (
	"time"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
)

// MessageType is the "type" discriminator of a Singer message.
type MessageType string

const (
	// SchemaType describes a stream's schema and key properties
	SchemaType MessageType = "SCHEMA"
	// RecordType carries one record of a stream
	RecordType MessageType = "RECORD"
	// StateType carries the tap's bookmark tree
	StateType MessageType = "STATE"
	// ActivateVersionType marks a full table replacement boundary
	ActivateVersionType MessageType = "ACTIVATE_VERSION"
	// BatchType points the target at files holding many records
	BatchType MessageType = "BATCH"
)

// Record is a single row of a stream.
type Record = map[string]interface{}

// Message is implemented by every Singer message.
type Message interface {
	Type() MessageType
}

// SchemaMessage announces the schema of a stream.
type SchemaMessage struct {
	Stream             string                 `json:"stream"`
	Schema             map[string]interface{} `json:"schema"`
	KeyProperties      []string               `json:"key_properties"`
	BookmarkProperties []string               `json:"bookmark_properties,omitempty"`
}

// Type implements Message
func (m *SchemaMessage) Type() MessageType { return SchemaType }

// MarshalJSON adds the type discriminator and always emits key_properties.
func (m *SchemaMessage) MarshalJSON() ([]byte, error) {
	keys := m.KeyProperties
	if keys == nil {
		keys = []string{}
	}
	return jsonpool.Marshal(struct {
		Type               MessageType            `json:"type"`
		Stream             string                 `json:"stream"`
		Schema             map[string]interface{} `json:"schema"`
		KeyProperties      []string               `json:"key_properties"`
		BookmarkProperties []string               `json:"bookmark_properties,omitempty"`
	}{SchemaType, m.Stream, m.Schema, keys, m.BookmarkProperties})
}

// RecordMessage carries one record.
type RecordMessage struct {
	Stream        string     `json:"stream"`
	Record        Record     `json:"record"`
	Version       *int64     `json:"version,omitempty"`
	TimeExtracted *time.Time `json:"time_extracted,omitempty"`
}

// Type implements Message
func (m *RecordMessage) Type() MessageType { return RecordType }

// MarshalJSON adds the type discriminator.
func (m *RecordMessage) MarshalJSON() ([]byte, error) {
	return jsonpool.Marshal(struct {
		Type          MessageType `json:"type"`
		Stream        string      `json:"stream"`
		Record        Record      `json:"record"`
		Version       *int64      `json:"version,omitempty"`
		TimeExtracted *time.Time  `json:"time_extracted,omitempty"`
	}{RecordType, m.Stream, m.Record, m.Version, m.TimeExtracted})
}

// StateMessage carries the full state tree.
type StateMessage struct {
	Value map[string]interface{} `json:"value"`
}

// Type implements Message
func (m *StateMessage) Type() MessageType { return StateType }

// MarshalJSON adds the type discriminator.
func (m *StateMessage) MarshalJSON() ([]byte, error) {
	return jsonpool.Marshal(struct {
		Type  MessageType            `json:"type"`
		Value map[string]interface{} `json:"value"`
	}{StateType, m.Value})
}

// ActivateVersionMessage tells the target that only rows of Version are current.
type ActivateVersionMessage struct {
	Stream  string `json:"stream"`
	Version int64  `json:"version"`
}

// Type implements Message
func (m *ActivateVersionMessage) Type() MessageType { return ActivateVersionType }

// MarshalJSON adds the type discriminator.
func (m *ActivateVersionMessage) MarshalJSON() ([]byte, error) {
	return jsonpool.Marshal(struct {
		Type    MessageType `json:"type"`
		Stream  string      `json:"stream"`
		Version int64       `json:"version"`
	}{ActivateVersionType, m.Stream, m.Version})
}

// BatchEncoding describes how the files of a BATCH message are encoded.
type BatchEncoding struct {
	Format      string `json:"format" yaml:"format"`
	Compression string `json:"compression,omitempty" yaml:"compression"`
}

// BatchMessage lists batch files for a stream.
type BatchMessage struct {
	Stream   string        `json:"stream"`
	Encoding BatchEncoding `json:"encoding"`
	Manifest []string      `json:"manifest"`
}

// Type implements Message
func (m *BatchMessage) Type() MessageType { return BatchType }

// MarshalJSON adds the type discriminator.
func (m *BatchMessage) MarshalJSON() ([]byte, error) {
	manifest := m.Manifest
	if manifest == nil {
		manifest = []string{}
	}
	return jsonpool.Marshal(struct {
		Type     MessageType   `json:"type"`
		Stream   string        `json:"stream"`
		Encoding BatchEncoding `json:"encoding"`
		Manifest []string      `json:"manifest"`
	}{BatchType, m.Stream, m.Encoding, manifest})
}
