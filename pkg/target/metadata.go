package target

import (
	"time"

	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
	"github.com/ajitpratap0/nebula-singer/pkg/singer"
)

// Record metadata columns.
const (
	SDCExtractedAt   = "_sdc_extracted_at"
	SDCReceivedAt    = "_sdc_received_at"
	SDCBatchedAt     = "_sdc_batched_at"
	SDCDeletedAt     = "_sdc_deleted_at"
	SDCSequence      = "_sdc_sequence"
	SDCTableVersion  = "_sdc_table_version"
	SDCSyncStartedAt = "_sdc_sync_started_at"
)

var timestampMetadata = []string{SDCExtractedAt, SDCReceivedAt, SDCBatchedAt, SDCDeletedAt}

var integerMetadata = []string{SDCSequence, SDCTableVersion, SDCSyncStartedAt}

// withMetadataSchema returns a copy of doc declaring every metadata column.
func withMetadataSchema(doc schema.Document) schema.Document {
	out := jsonpool.CloneMap(doc)
	props, _ := out["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
		out["properties"] = props
	}
	for _, col := range timestampMetadata {
		props[col] = map[string]interface{}{"type": []interface{}{"null", "string"}, "format": "date-time"}
	}
	for _, col := range integerMetadata {
		props[col] = map[string]interface{}{"type": []interface{}{"null", "integer"}}
	}
	return out
}

// withoutMetadataSchema returns a copy of doc without metadata columns.
func withoutMetadataSchema(doc schema.Document) schema.Document {
	out := jsonpool.CloneMap(doc)
	if props, ok := out["properties"].(map[string]interface{}); ok {
		for _, col := range timestampMetadata {
			delete(props, col)
		}
		for _, col := range integerMetadata {
			delete(props, col)
		}
	}
	return out
}

func addMetadata(record map[string]interface{}, msg *singer.RecordMessage, batchedAt, startedAt, now time.Time) {
	if msg.TimeExtracted != nil {
		record[SDCExtractedAt] = msg.TimeExtracted.UTC().Format(time.RFC3339Nano)
	} else {
		record[SDCExtractedAt] = nil
	}
	if batchedAt.IsZero() {
		batchedAt = now
	}
	record[SDCReceivedAt] = now.UTC().Format(time.RFC3339Nano)
	record[SDCBatchedAt] = batchedAt.UTC().Format(time.RFC3339Nano)
	if _, ok := record[SDCDeletedAt]; !ok {
		record[SDCDeletedAt] = nil
	}
	record[SDCSequence] = now.UnixMilli()
	if msg.Version != nil {
		record[SDCTableVersion] = *msg.Version
	} else {
		record[SDCTableVersion] = nil
	}
	record[SDCSyncStartedAt] = startedAt.UnixMilli()
}

func stripMetadata(record map[string]interface{}) {
	for _, col := range timestampMetadata {
		delete(record, col)
	}
	for _, col := range integerMetadata {
		delete(record, col)
	}
}
