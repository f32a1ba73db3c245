package sink

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tailriver/tailriver/internal/cdc"
)

// Event is the envelope published for every sink call.
type Event struct {
	Op            cdc.OperationType `bson:"op"`
	Database      string            `bson:"db"`
	Collection    string            `bson:"collection,omitempty"`
	Document      bson.D            `bson:"document,omitempty"`
	Selector      bson.D            `bson:"selector,omitempty"`
	Update        bson.D            `bson:"update,omitempty"`
	IndexKey      bson.D            `bson:"index_key,omitempty"`
	IndexName     string            `bson:"index_name,omitempty"`
	Options       bson.M            `bson:"options,omitempty"`
	NewCollection string            `bson:"new_collection,omitempty"`
}

// Namespace is db.collection, or db for database-level events.
func (e *Event) Namespace() string {
	if e.Collection == "" {
		return e.Database
	}
	return e.Database + "." + e.Collection
}

// Encode renders the event as relaxed Extended JSON.
func (e *Event) Encode() ([]byte, error) {
	data, err := bson.MarshalExtJSON(e, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.Op, err)
	}
	return data, nil
}
