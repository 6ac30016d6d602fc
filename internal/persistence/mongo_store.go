package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flough/pkg/api"
)

// MongoFlowStore is a FlowStore backed by a MongoDB collection. Records are
// stored as native documents keyed by uuid, and Update is translated into a
// single $set/$unset/$addToSet/$push command so concurrent path updates are
// applied atomically by the server.
//
// Values pass through relaxed extended JSON on their way in and out, so data
// keys beginning with '$' are not supported.
type MongoFlowStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Ensure it implements FlowStore.
var _ FlowStore = (*MongoFlowStore)(nil)

// NewMongoFlowStore creates a Mongo-backed flow store.
// dbName defaults to "flough" if empty, collName defaults to "flows".
func NewMongoFlowStore(client *mongo.Client, dbName, collName string) *MongoFlowStore {
	if dbName == "" {
		dbName = "flough"
	}
	if collName == "" {
		collName = "flows"
	}

	return &MongoFlowStore{
		coll:    client.Database(dbName).Collection(collName),
		timeout: 5 * time.Second,
	}
}

func (s *MongoFlowStore) Create(ctx context.Context, rec *api.FlowRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	var doc bson.D
	if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
		return err
	}
	doc = append(bson.D{{Key: "_id", Value: rec.UUID}}, doc...)

	_, err = s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrFlowExists
	}
	return err
}

func (s *MongoFlowStore) FindByID(ctx context.Context, uuid string) (*api.FlowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.coll.FindOne(ctx, bson.M{"_id": uuid}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return decodeMongoRecord(raw)
}

func (s *MongoFlowStore) Update(ctx context.Context, uuid string, u *Update) error {
	if u.Empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	update, err := mongoUpdate(u)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateByID(ctx, uuid, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrFlowNotFound
	}
	return nil
}

func (s *MongoFlowStore) Find(ctx context.Context, f Filter) ([]*api.FlowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.timeout)
	defer cancel()

	bfilter := bson.M{}
	if f.UUID != "" {
		bfilter["_id"] = f.UUID
	}
	if f.Type != "" {
		bfilter["type"] = f.Type
	}
	if f.TaskID != "" {
		bfilter[PathTaskHandleID] = f.TaskID
	}
	if f.ParentUUID != "" {
		bfilter["parentUUID"] = f.ParentUUID
	}
	if f.IsCompleted != nil {
		bfilter[PathIsCompleted] = *f.IsCompleted
	}
	if f.IsCancelled != nil {
		bfilter[PathIsCancelled] = *f.IsCancelled
	}

	cur, err := s.coll.Find(ctx, bfilter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []*api.FlowRecord
	for cur.Next(ctx) {
		rec, err := decodeMongoRecord(cur.Current)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *MongoFlowStore) Delete(ctx context.Context, uuid string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": uuid})
	return err
}

func decodeMongoRecord(raw bson.Raw) (*api.FlowRecord, error) {
	data, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, err
	}
	return DecodeRecord(data)
}

// mongoUpdate maps an Update onto Mongo update operators. Dotted paths are
// passed through unchanged: Mongo treats numeric segments as field names when
// the parent is a document.
func mongoUpdate(u *Update) (bson.M, error) {
	update := bson.M{}

	if len(u.Unset) > 0 {
		unset := bson.M{}
		for _, p := range u.Unset {
			unset[p] = ""
		}
		update["$unset"] = unset
	}

	groups := []struct {
		op     string
		fields map[string]any
	}{
		{"$set", u.Set},
		{"$addToSet", u.AddToSet},
		{"$push", u.Push},
	}
	for _, g := range groups {
		if len(g.fields) == 0 {
			continue
		}
		m := bson.M{}
		for p, v := range g.fields {
			rv, err := toBSONValue(v)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", g.op, p, err)
			}
			m[p] = rv
		}
		update[g.op] = m
	}

	return update, nil
}

// toBSONValue converts v through its JSON form so it is stored exactly the
// way EncodeRecord would have written it.
func toBSONValue(v any) (bson.RawValue, error) {
	raw, err := EncodeValue(v)
	if err != nil {
		return bson.RawValue{}, err
	}
	wrapped := append(append([]byte(`{"v":`), raw...), '}')

	var doc bson.Raw
	if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
		return bson.RawValue{}, err
	}
	return doc.Lookup("v"), nil
}
