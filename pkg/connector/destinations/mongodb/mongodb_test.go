package mongodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ajitpratap0/nebula-singer/pkg/errors"
	jsonpool "github.com/ajitpratap0/nebula-singer/pkg/json"
	"github.com/ajitpratap0/nebula-singer/pkg/target"
)

func TestDocumentConvertsNumbers(t *testing.T) {
	doc := Document(map[string]interface{}{
		"id":    jsonpool.Number("7"),
		"score": jsonpool.Number("1.25"),
		"tags":  []interface{}{jsonpool.Number("1"), "x"},
		"owner": map[string]interface{}{"id": jsonpool.Number("3")},
	})
	assert.Equal(t, int64(7), doc["id"])
	assert.Equal(t, 1.25, doc["score"])
	assert.Equal(t, bson.A{int64(1), "x"}, doc["tags"])
	assert.Equal(t, bson.M{"id": int64(3)}, doc["owner"])

	_, err := bson.Marshal(doc)
	require.NoError(t, err)
}

func TestReplaceModels(t *testing.T) {
	models, err := ReplaceModels([]map[string]interface{}{
		{"org": "a", "id": jsonpool.Number("1"), "name": "x"},
	}, []string{"org", "id"})
	require.NoError(t, err)
	require.Len(t, models, 1)

	m := models[0].(*mongo.ReplaceOneModel)
	assert.Equal(t, bson.D{{Key: "org", Value: "a"}, {Key: "id", Value: int64(1)}}, m.Filter)
	require.NotNil(t, m.Upsert)
	assert.True(t, *m.Upsert)

	_, err = ReplaceModels([]map[string]interface{}{{"name": "x"}}, []string{"id"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeMissingKeyProperties))
}

func TestSupersededFilter(t *testing.T) {
	filter := SupersededFilter(5)
	clauses := filter["$or"].(bson.A)
	require.Len(t, clauses, 3)
	assert.Equal(t, bson.M{target.SDCTableVersion: bson.M{"$lt": int64(5)}}, clauses[0])
}

func TestCollectionName(t *testing.T) {
	l := &Loader{prefix: "raw_"}
	assert.Equal(t, "raw_users", l.CollectionName("users"))
	assert.Equal(t, "raw_a_b", l.CollectionName("a$b"))
}
