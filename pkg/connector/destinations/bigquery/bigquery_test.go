package bigquery

import (
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/schema"
)

func usersSchema(t *testing.T) schema.Document {
	t.Helper()
	var doc schema.Document
	require.NoError(t, jsonpool.Unmarshal([]byte(`{
		"type": "object",
		"properties": {
			"id": {"type": "integer"},
			"name": {"type": ["string", "null"]},
			"score": {"type": ["integer", "number"]},
			"updated_at": {"type": "string", "format": "date-time"},
			"address": {"type": "object", "properties": {"city": {"type": "string"}}},
			"tags": {"type": "array", "items": {"type": "string"}},
			"extra": {"type": "object"},
			"mixed": {"type": ["string", "integer"]},
			"first-name": {"type": "string"}
		}
	}`), &doc))
	return doc
}

func TestSchema(t *testing.T) {
	s := Schema(usersSchema(t))

	byName := make(map[string]*bigquery.FieldSchema, len(s))
	for _, f := range s {
		byName[f.Name] = f
	}
	require.Len(t, byName, 9)
	assert.Equal(t, bigquery.IntegerFieldType, byName["id"].Type)
	assert.Equal(t, bigquery.StringFieldType, byName["name"].Type)
	assert.Equal(t, bigquery.FloatFieldType, byName["score"].Type)
	assert.Equal(t, bigquery.TimestampFieldType, byName["updated_at"].Type)
	assert.Equal(t, bigquery.RecordFieldType, byName["address"].Type)
	assert.Equal(t, "city", byName["address"].Schema[0].Name)
	assert.Equal(t, bigquery.StringFieldType, byName["tags"].Type)
	assert.True(t, byName["tags"].Repeated)
	assert.Equal(t, bigquery.JSONFieldType, byName["extra"].Type)
	assert.Equal(t, bigquery.JSONFieldType, byName["mixed"].Type)
	assert.Contains(t, byName, "first_name")

	assert.Equal(t, "address", s[0].Name, "fields are sorted")
}

func TestFieldNames(t *testing.T) {
	assert.Equal(t, "a_b", FieldName("a-b"))
	assert.Equal(t, "_1st", FieldName("1st"))
	assert.Equal(t, "_", FieldName(""))
	assert.Equal(t, "raw_public_users", TableID("raw_", "public-Users"))
}

func TestMissingFields(t *testing.T) {
	have := bigquery.Schema{{Name: "ID", Type: bigquery.IntegerFieldType}}
	want := bigquery.Schema{{Name: "id"}, {Name: "name"}}
	missing := MissingFields(have, want)
	require.Len(t, missing, 1)
	assert.Equal(t, "name", missing[0].Name)
}

func TestRow(t *testing.T) {
	s := Schema(usersSchema(t))
	record := map[string]interface{}{
		"id":         jsonpool.Number("3"),
		"score":      jsonpool.Number("2.5"),
		"extra":      map[string]interface{}{"k": "v"},
		"address":    map[string]interface{}{"city": "Oslo"},
		"first-name": "Ada",
		"name":       nil,
	}

	streamed := Row(s, record, true)
	assert.Equal(t, int64(3), streamed["id"])
	assert.Equal(t, 2.5, streamed["score"])
	assert.Equal(t, `{"k":"v"}`, streamed["extra"])
	assert.Equal(t, map[string]bigquery.Value{"city": "Oslo"}, streamed["address"])
	assert.Equal(t, "Ada", streamed["first_name"])
	assert.Nil(t, streamed["name"])

	loaded := Row(s, record, false)
	assert.Equal(t, map[string]interface{}{"k": "v"}, loaded["extra"])
}

func TestMergeStatement(t *testing.T) {
	s := bigquery.Schema{{Name: "id"}, {Name: "name"}}
	got := MergeStatement("`p.d.users`", "`p.d.users__staging`", s, []string{"id"})
	assert.Equal(t, "MERGE `p.d.users` T USING `p.d.users__staging` S ON T.`id` = S.`id` "+
		"WHEN MATCHED THEN UPDATE SET `name` = S.`name` WHEN NOT MATCHED THEN INSERT ROW", got)

	onlyKeys := MergeStatement("`t`", "`s`", bigquery.Schema{{Name: "id"}}, []string{"id"})
	assert.NotContains(t, onlyKeys, "WHEN MATCHED")
}

func TestVersionStatements(t *testing.T) {
	assert.Equal(t,
		"DELETE FROM `t` WHERE `_sdc_table_version` IS NULL OR `_sdc_table_version` < @version",
		DeleteSupersededStatement("`t`"))
	assert.Equal(t,
		"UPDATE `t` SET `_sdc_deleted_at` = @deleted_at WHERE (`_sdc_table_version` IS NULL OR `_sdc_table_version` < @version) AND `_sdc_deleted_at` IS NULL",
		MarkSupersededStatement("`t`"))
}

func TestLatestByKey(t *testing.T) {
	records := []map[string]interface{}{
		{"id": 1, "v": "a"},
		{"id": 2, "v": "b"},
		{"id": 1, "v": "c"},
	}
	got, err := LatestByKey(records, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"id": 1, "v": "c"}, {"id": 2, "v": "b"}}, got)

	_, err = LatestByKey([]map[string]interface{}{{"v": "x"}}, []string{"id"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeMissingKeyProperties))
}

func TestSaver(t *testing.T) {
	saver := &Saver{
		Schema:   bigquery.Schema{{Name: "id", Type: bigquery.IntegerFieldType}},
		Record:   map[string]interface{}{"id": jsonpool.Number("9")},
		InsertID: InsertID(map[string]interface{}{"id": jsonpool.Number("9")}, []string{"id"}),
	}
	row, id, err := saver.Save()
	require.NoError(t, err)
	assert.Equal(t, "9", id)
	assert.Equal(t, int64(9), row["id"])

	assert.Empty(t, InsertID(map[string]interface{}{"id": 1}, nil))
}
