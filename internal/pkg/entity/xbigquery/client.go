package xbigquery

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/teltech/logger"
	"google.golang.org/api/googleapi"
)

// The BigQuery sink uses the GCP BQ Go client API for its functionality.
// That API is decoupled here on consumer side for full unit test capabilities.
// Wrapping is required due to GCP Go client library design constraints.

var log *logger.Log

func init() {
	log = logger.New()
}

type BigQueryClient interface {
	GetDatasetMetadata(ctx context.Context, dataset *bigquery.Dataset) (*bigquery.DatasetMetadata, DatasetTableStatus, error)
	CreateDatasetRef(datasetId string) *bigquery.Dataset
	CreateDataset(ctx context.Context, id string, md *bigquery.DatasetMetadata) error
	GetTableMetadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, DatasetTableStatus, error)
	CreateTableRef(datasetId string, tableId string) *bigquery.Table
	CreateTable(ctx context.Context, datasetId string, tableId string, tm *bigquery.TableMetadata) (*bigquery.Table, error)
	GetTableInserter(table *bigquery.Table) BigQueryInserter
}

type BigQueryInserter interface {
	Put(ctx context.Context, src any) error
}

type DatasetTableStatus int

const (
	Unknown DatasetTableStatus = iota
	Existent
	NonExistent
)

// Concrete bq wrapper client as returned by NewClient
type defaultClient struct {
	client *bigquery.Client
}

// NewClient provides a concrete wrapper client for internal usage by the sink
func NewClient(client *bigquery.Client) *defaultClient {
	return &defaultClient{client: client}
}

func (b *defaultClient) CreateDatasetRef(datasetId string) *bigquery.Dataset {
	return b.client.Dataset(datasetId)
}

func (b *defaultClient) CreateDataset(ctx context.Context, id string, md *bigquery.DatasetMetadata) error {

	err := b.client.Dataset(id).Create(ctx, md)

	if err != nil && disregardError(err) {
		log.Warnf(lgprfx+"disregarding BQ dataset error: %s", describeError(err))
		err = nil
	}
	return err
}

func (b *defaultClient) CreateTableRef(datasetId string, tableId string) *bigquery.Table {
	return b.client.Dataset(datasetId).Table(tableId)
}

func (b *defaultClient) CreateTable(ctx context.Context, datasetId string, tableId string, tm *bigquery.TableMetadata) (*bigquery.Table, error) {

	table := b.client.Dataset(datasetId).Table(tableId)
	err := table.Create(ctx, tm)

	if err != nil {
		if disregardError(err) {
			log.Warnf(lgprfx+"disregarding BQ table error: %s", describeError(err))
			err = nil
		} else {
			log.Errorf(lgprfx+"could not create table %+v, metadata: %+v, err: %v", table, tm, err)
		}
	}
	return table, err
}

func (b *defaultClient) GetTableMetadata(ctx context.Context, table *bigquery.Table) (*bigquery.TableMetadata, DatasetTableStatus, error) {
	var status DatasetTableStatus

	tm, err := table.Metadata(ctx)

	if e, ok := err.(*googleapi.Error); ok && e.Code == http.StatusNotFound {
		status = NonExistent
	} else if tm != nil && err == nil {
		status = Existent
	}

	return tm, status, err
}

func (b *defaultClient) GetDatasetMetadata(ctx context.Context, dataset *bigquery.Dataset) (*bigquery.DatasetMetadata, DatasetTableStatus, error) {
	var status DatasetTableStatus

	md, err := dataset.Metadata(ctx)

	if e, ok := err.(*googleapi.Error); ok && e.Code == http.StatusNotFound {
		status = NonExistent
	} else if md != nil && err == nil {
		status = Existent
	}

	return md, status, err
}

func (b *defaultClient) GetTableInserter(table *bigquery.Table) BigQueryInserter {
	return &defaultInserter{
		inserter: table.Inserter(),
	}
}

type defaultInserter struct {
	inserter *bigquery.Inserter
}

func (i *defaultInserter) Put(ctx context.Context, src any) error {
	return i.inserter.Put(ctx, src)
}

const lgprfx = "[xbigquery.client] "

// No good granular way to properly get real error codes from bq client, to detect these
// "non-errors" (in sink init scenarios). Need to parse error string -.-
func disregardError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func describeError(err error) string {
	if e, ok := err.(*googleapi.Error); ok {
		return fmt.Sprintf("googleapi code: %d, message: %s, details: %#v, errors: %+v", e.Code, e.Message, e.Details, e.Errors)
	}
	return err.Error()
}

func isNil(v any) bool {
	return v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil())
}

// A context aware sleep func returning true if proper timeout after sleep and false if ctx canceled
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
