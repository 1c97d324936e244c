// Package xfirestore provides the "firestore" sink entity type, storing each
// row of the derived table as one entity in Firestore (datastore mode).
// Auto-generated entity IDs are not supported, the entity name is always
// taken from the sink spec's kind config.
package xfirestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/datastore"
	"github.com/teltech/logger"
	"github.com/zpiroux/tabell/entity"
	"github.com/zpiroux/tabell/pkg/notify"
)

// Config is the deployment config for the Firestore sink, provided when
// creating the factory.
type Config struct {
	ProjectId string

	// DefaultNamespace is used for kinds without a namespace in the sink spec.
	DefaultNamespace string

	// Client can be assigned to inject an alternative client implementation,
	// mainly for testing purposes. If not set, a real Firestore client is
	// created lazily on first sink creation.
	Client FirestoreClient
}

type sinkFactory struct {
	config      Config
	mu          sync.Mutex
	client      FirestoreClient
	ownedClient *datastore.Client
}

// NewSinkFactory creates the factory for the "firestore" sink entity type.
func NewSinkFactory(config Config) entity.SinkFactory {
	sf := &sinkFactory{config: config}
	if !isNil(config.Client) {
		sf.client = config.Client
	}
	return sf
}

func (sf *sinkFactory) SinkId() string {
	return string(entity.EntityFirestore)
}

func (sf *sinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	client, err := sf.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return newSink(c, client, sf.config.DefaultNamespace)
}

// All sinks from the same factory share a single Firestore client.
func (sf *sinkFactory) getClient(ctx context.Context) (FirestoreClient, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.client != nil {
		return sf.client, nil
	}
	client, err := datastore.NewClient(ctx, sf.config.ProjectId)
	if err != nil {
		return nil, fmt.Errorf("could not create firestore client for project '%s', err: %v", sf.config.ProjectId, err)
	}
	sf.ownedClient = client
	sf.client = client
	return sf.client, nil
}

func (sf *sinkFactory) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.ownedClient != nil {
		err := sf.ownedClient.Close()
		sf.ownedClient = nil
		sf.client = nil
		return err
	}
	return nil
}

type sink struct {
	spec             *entity.Spec
	kinds            []entity.Kind
	defaultNamespace string
	client           FirestoreClient
	notifier         *notify.Notifier
	entitiesStored   int64
}

func newSink(c entity.Config, client FirestoreClient, defaultNamespace string) (*sink, error) {

	if c.Spec == nil {
		return nil, errors.New("the provided derivation spec must not be nil")
	}
	if isNil(client) {
		return nil, errors.New("client cannot be nil")
	}
	sinkSpec := c.Spec.SinkSpecByType(entity.EntityFirestore)
	if sinkSpec == nil || sinkSpec.Config == nil || len(sinkSpec.Config.Kinds) == 0 {
		return nil, fmt.Errorf("no Firestore kind specified in spec %s", c.Spec.Id())
	}
	for _, kind := range sinkSpec.Config.Kinds {
		if err := validateKind(kind); err != nil {
			return nil, fmt.Errorf("invalid kind config '%s' in spec %s: %v", kind.Name, c.Spec.Id(), err)
		}
	}

	var lg *logger.Log
	if c.Log {
		lg = logger.New()
	}

	return &sink{
		spec:             c.Spec,
		kinds:            sinkSpec.Config.Kinds,
		defaultNamespace: defaultNamespace,
		client:           client,
		notifier:         notify.New(c.NotifyChan, lg, 2, "xfirestore.sink", c.ID, c.Spec.Id()),
	}, nil
}

func validateKind(kind entity.Kind) error {
	if kind.Name == "" {
		return errors.New("missing kind name")
	}
	if kind.EntityName == "" && len(kind.EntityNameFromColumns.Columns) == 0 {
		return errors.New("one of entityName or entityNameFromColumns is required")
	}
	if len(kind.Properties) == 0 {
		return errors.New("at least one property is required")
	}
	return nil
}

// Store upserts each row of the derived table as one entity, into each kind
// in the sink spec. The returned resource ID contains the name(s) of the
// kinds written to.
func (s *sink) Store(ctx context.Context, table *entity.Table) (string, error, bool) {

	if table == nil || table.NumRows() == 0 {
		return "", errors.New("store called without table data"), false
	}

	var kindNames []string
	for _, kind := range s.kinds {
		for i := 0; i < table.NumRows(); i++ {
			if err, retryable := s.put(ctx, kind, table, i); err != nil {
				return "", err, retryable
			}
		}
		kindNames = append(kindNames, kind.Name)
	}
	return strings.Join(kindNames, ","), nil, false
}

func (s *sink) Shutdown() {
	s.notifier.Notify(entity.NotifyLevelInfo, "Shutdown completed, number of stored entities: %d", s.entitiesStored)
}

func (s *sink) put(ctx context.Context, kind entity.Kind, table *entity.Table, row int) (error, bool) {

	namespace := s.defaultNamespace
	if kind.Namespace != "" {
		namespace = kind.Namespace
	}
	entityName, err := s.entityName(kind, table, row)
	if err != nil {
		return err, false
	}
	key := datastore.NameKey(kind.Name, entityName, nil)
	key.Namespace = namespace

	// Property names come from the sink spec and property values from the
	// derived table row, with the value types used as-is.
	var props datastore.PropertyList
	for _, prop := range kind.Properties {
		value, ok := table.Value(row, prop.FromColumn)
		if !ok {
			return fmt.Errorf("property column '%s' (for kind '%s') not found in derived table, columns: %v", prop.FromColumn, kind.Name, table.Columns()), false
		}
		if value == nil {
			continue
		}
		props = append(props, datastore.Property{Name: prop.Name, Value: value, NoIndex: !prop.Index})
	}
	if len(props) == 0 {
		return fmt.Errorf("trying to store an entity without properties, probably a spec error, kind: '%s', row: %v", kind.Name, table.Row(row)), false
	}

	if s.spec.Ops.LogTableData {
		s.notifier.Notify(entity.NotifyLevelDebug, "Storing entity '%s' in kind '%s' with props: %#v", entityName, kind.Name, props)
	}

	outKey, err := s.client.Put(ctx, key, &props)
	if err != nil {
		return fmt.Errorf("could not insert to firestore, err: %v, key: %#v", err, key), true
	}
	if outKey != nil && *key != *outKey {
		s.notifier.Notify(entity.NotifyLevelWarn, "Incomplete keys not supported, check if bug, key: %+v, outKey: %+v", key, outKey)
	}
	s.entitiesStored++
	return nil, false
}

func (s *sink) entityName(kind entity.Kind, table *entity.Table, row int) (string, error) {

	if kind.EntityName != "" {
		return kind.EntityName, nil
	}

	var entityName string
	var delimiter string
	for n, column := range kind.EntityNameFromColumns.Columns {
		if n == 1 {
			delimiter = kind.EntityNameFromColumns.Delimiter
		}
		value, ok := table.Value(row, column)
		if !ok {
			return "", fmt.Errorf("entity name column '%s' not found in derived table, columns: %v", column, table.Columns())
		}
		str, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("entity name column '%s' must contain string values, got %T", column, value)
		}
		entityName = entityName + delimiter + str
	}
	if entityName == "" {
		return "", fmt.Errorf("created entity name is empty for kind '%s'", kind.Name)
	}
	return entityName, nil
}
