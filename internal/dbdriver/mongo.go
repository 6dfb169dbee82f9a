// Package dbdriver implements the Database State Server's backing store on
// top of MongoDB: an "objects" collection keyed by DoId, and a single
// "globals" document tracking the next DoId to allocate.
package dbdriver

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ksmit799/Ardos-sub000/internal/dbss"
)

const globalsDocID = "globals"

// storedDocument is the on-disk shape of one object document.
type storedDocument struct {
	ID       uint32            `bson:"_id"`
	ClassID  uint16            `bson:"class_id"`
	ParentID uint32            `bson:"parent_id"`
	ZoneID   uint32            `bson:"zone_id"`
	Fields   map[string][]byte `bson:"fields"`
}

type globalsDocument struct {
	ID        string `bson:"_id"`
	NextDoID  uint32 `bson:"next_do_id"`
}

// Store is a dbss.Store backed by a MongoDB collection. New DoIds are drawn
// from [genMin, genMax]; genMax zero leaves the range open-ended.
type Store struct {
	objects *mongo.Collection
	globals *mongo.Collection
	genMin  uint32
	genMax  uint32
}

// NewStore returns a Store using the "objects" and "globals" collections of
// db, allocating new DoIds starting at genMin and erroring once genMax is
// exceeded (genMax zero means unbounded).
func NewStore(db *mongo.Database, genMin, genMax uint32) *Store {
	return &Store{
		objects: db.Collection("objects"),
		globals: db.Collection("globals"),
		genMin:  genMin,
		genMax:  genMax,
	}
}

// LoadObject implements dbss.Store.
func (s *Store) LoadObject(ctx context.Context, doID uint32) (dbss.StoredObject, error) {
	var doc storedDocument
	err := s.objects.FindOne(ctx, bson.M{"_id": doID}).Decode(&doc)
	if err != nil {
		return dbss.StoredObject{}, fmt.Errorf("dbdriver: load object %d: %w", doID, err)
	}

	out := dbss.StoredObject{
		ClassID:  doc.ClassID,
		ParentID: doc.ParentID,
		ZoneID:   doc.ZoneID,
	}
	for name, value := range doc.Fields {
		fieldID, err := parseFieldKey(name)
		if err != nil {
			return dbss.StoredObject{}, fmt.Errorf("dbdriver: object %d has malformed field key %q: %w", doID, name, err)
		}
		out.Fields = append(out.Fields, dbss.StoredField{FieldID: fieldID, Value: value})
	}
	return out, nil
}

// SaveField implements dbss.Store, upserting a single field into the
// object's document.
func (s *Store) SaveField(ctx context.Context, doID uint32, fieldID uint16, value []byte) error {
	key := fieldKey(fieldID)
	_, err := s.objects.UpdateOne(ctx,
		bson.M{"_id": doID},
		bson.M{"$set": bson.M{"fields." + key: value}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("dbdriver: save field %d on object %d: %w", fieldID, doID, err)
	}
	return nil
}

// DeleteObject implements dbss.Store, removing an object's document
// entirely (DBSS_OBJECT_DELETE_DISK).
func (s *Store) DeleteObject(ctx context.Context, doID uint32) error {
	_, err := s.objects.DeleteOne(ctx, bson.M{"_id": doID})
	if err != nil {
		return fmt.Errorf("dbdriver: delete object %d: %w", doID, err)
	}
	return nil
}

// AllocateDoID implements dbss.Store, atomically incrementing the globals
// document's next-DoId counter and returning the pre-increment value. The
// counter is seeded at genMin on first use and the result is rejected once
// it passes genMax.
func (s *Store) AllocateDoID(ctx context.Context) (uint32, error) {
	var doc globalsDocument
	err := s.globals.FindOneAndUpdate(ctx,
		bson.M{"_id": globalsDocID},
		bson.M{"$inc": bson.M{"next_do_id": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&doc)

	var next uint32
	switch {
	case err == mongo.ErrNoDocuments:
		next = s.genMin
		if _, insErr := s.globals.InsertOne(ctx, globalsDocument{ID: globalsDocID, NextDoID: next + 1}); insErr != nil {
			return 0, fmt.Errorf("dbdriver: allocate do id: %w", insErr)
		}
	case err != nil:
		return 0, fmt.Errorf("dbdriver: allocate do id: %w", err)
	default:
		next = doc.NextDoID
		if next == 0 {
			next = s.genMin
		}
	}

	if s.genMax != 0 && next > s.genMax {
		return 0, fmt.Errorf("dbdriver: do id range [%d,%d] exhausted", s.genMin, s.genMax)
	}
	return next, nil
}

func fieldKey(id uint16) string {
	return fmt.Sprintf("f%d", id)
}

func parseFieldKey(key string) (uint16, error) {
	var id uint16
	_, err := fmt.Sscanf(key, "f%d", &id)
	return id, err
}
