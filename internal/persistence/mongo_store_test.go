package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flough/internal/testutil"
)

func TestMongoFlowStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	endpoint := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	runFlowStoreSuite(t, func(t *testing.T) FlowStore {
		// A fresh collection per test keeps the cases independent.
		return NewMongoFlowStore(client, "flough_test", "flows_"+uuid.NewString())
	})
}

func TestMongoUpdate_Operators(t *testing.T) {
	u := NewUpdate().
		SetField(AncestorPath(1, 0), map[string]any{"done": true}).
		UnsetField(StepPath(3)).
		AddToSetField(PathSubstepsTaken, 0).
		PushField(PathLogs, "hello")

	update, err := mongoUpdate(u)
	require.NoError(t, err)

	require.Contains(t, update, "$set")
	require.Contains(t, update, "$unset")
	require.Contains(t, update, "$addToSet")
	require.Contains(t, update, "$push")

	set := update["$set"].(bson.M)
	rv := set["ancestors.1.0"].(bson.RawValue)
	require.Equal(t, bson.TypeEmbeddedDocument, rv.Type)

	push := update["$push"].(bson.M)
	require.Equal(t, "hello", push[PathLogs].(bson.RawValue).StringValue())
}
