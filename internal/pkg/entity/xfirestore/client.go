package xfirestore

import (
	"context"
	"reflect"

	"cloud.google.com/go/datastore"
)

// The Firestore sink uses the GCP Firestore Go client API (in datastore mode)
// for its functionality. That API is decoupled here on consumer side for full
// unit test capabilities.

type FirestoreClient interface {
	Put(ctx context.Context, key *datastore.Key, src any) (*datastore.Key, error)
}

func isNil(v any) bool {
	return v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil())
}
