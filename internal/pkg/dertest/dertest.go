// Package dertest provides mock derivation entities and canned derivation
// specs for tests in other packages. The platform entity types (kafka,
// bigquery, etc.) are served by mocks, so there are no dependencies to the
// real connector entities and no external infrastructure is needed.
package dertest

const (
	SpecInlineSrcVoidSink     = "InlineSrcVoidSink"
	SpecKafkaSrcBigQuerySink  = "KafkaSrcBigQuerySink"
	SpecPubsubSrcBigTableSink = "PubsubSrcBigTableSink"
	SpecMultiSrcVoidSink      = "MultiSrcVoidSink"
)

// AllSpecs returns the canned derivation specs, keyed by their const names
// above. Convenient for tests registering a full set of derivations.
func AllSpecs() map[string][]byte {
	return map[string][]byte{
		SpecInlineSrcVoidSink:     specInlineSrcVoidSink,
		SpecKafkaSrcBigQuerySink:  specKafkaSrcBigQuerySink,
		SpecPubsubSrcBigTableSink: specPubsubSrcBigTableSink,
		SpecMultiSrcVoidSink:      specMultiSrcVoidSink,
	}
}

var specInlineSrcVoidSink = []byte(`
{
   "namespace": "dertest",
   "derivationIdSuffix": "inlinesrc-voidsink",
   "description": "Minimal derivation with spec-embedded data and a void sink",
   "version": 1,
   "sources": [
      {
         "name": "products",
         "type": "inline",
         "config": {
            "customConfig": {
               "columns": ["productId", "name", "price"],
               "rows": [
                  ["p1", "gopher plush", 12.5],
                  ["p2", "gopher mug", 9]
               ]
            }
         }
      }
   ],
   "derive": {
      "type": "select",
      "config": {
         "include-fields": ["productId", "price"]
      }
   },
   "sinks": [
      {
         "type": "void",
         "config": {}
      }
   ]
}`)

var specKafkaSrcBigQuerySink = []byte(`
{
   "namespace": "dertest",
   "derivationIdSuffix": "kafkasrc-bigquerysink",
   "description": "Derivation from a kafka topic into a bigquery table",
   "version": 1,
   "sources": [
      {
         "name": "products",
         "type": "kafka",
         "config": {
            "topics": [
               {
                  "env": "all",
                  "names": ["product.events"]
               }
            ],
            "maxRows": 100,
            "maxWaitSeconds": 2
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigquery",
         "config": {
            "tables": [
               {
                  "name": "products",
                  "dataset": "dertest"
               }
            ]
         }
      }
   ]
}`)

var specPubsubSrcBigTableSink = []byte(`
{
   "namespace": "dertest",
   "derivationIdSuffix": "pubsubsrc-bigtablesink",
   "description": "Derivation from a pubsub subscription into a bigtable table",
   "version": 1,
   "sources": [
      {
         "name": "products",
         "type": "pubsub",
         "config": {
            "topics": [
               {
                  "env": "all",
                  "names": ["product-events"]
               }
            ],
            "maxRows": 100,
            "maxWaitSeconds": 2
         }
      }
   ],
   "derive": {
      "type": "passthrough"
   },
   "sinks": [
      {
         "type": "bigtable",
         "config": {}
      }
   ]
}`)

var specMultiSrcVoidSink = []byte(`
{
   "namespace": "dertest",
   "derivationIdSuffix": "multisrc-voidsink",
   "description": "Derivation with multiple sources, deriving from a named dependency",
   "version": 1,
   "sources": [
      {
         "name": "products",
         "type": "inline",
         "config": {
            "customConfig": {
               "columns": ["productId", "name", "price"],
               "rows": [
                  ["p1", "gopher plush", 12.5],
                  ["p2", "gopher mug", 9]
               ]
            }
         }
      },
      {
         "name": "stock",
         "type": "inline",
         "config": {
            "customConfig": {
               "columns": ["productId", "quantity"],
               "rows": [
                  ["p1", 3],
                  ["p2", 0]
               ]
            }
         }
      }
   ],
   "derive": {
      "type": "select",
      "config": {
         "step": "stock",
         "include-fields": ["productId", "quantity"]
      }
   },
   "sinks": [
      {
         "type": "void",
         "config": {}
      }
   ]
}`)
