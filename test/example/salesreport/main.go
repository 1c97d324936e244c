package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/zpiroux/tabell"
)

// A Tabell integration running a single derivation: completed orders from an
// inline source table, projected down to report columns with the select
// deriver and stored in the void sink with table logging enabled.
// Run with go run .
// Graceful shutdown with Ctrl+C (or similar).
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using defaults")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go ensureGracefulShutdown(cancel)
	RunDerivation(ctx)
}

func ensureGracefulShutdown(cancel context.CancelFunc) {

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	<-shutdown

	log.Println("Received shutdown (SIGINT/SIGTERM) signal - initiating cancellation.")
	cancel()
}

func RunDerivation(ctx context.Context) {

	config := tabell.NewConfig()
	config.Ops.Log = os.Getenv("TABELL_LOG") == "true"

	t, err := tabell.New(ctx, config)
	if err != nil {
		log.Fatalf("tabell.New() error: %v", err)
	}

	id, err := t.RegisterDerivation(ctx, specSalesReport)
	if err != nil {
		log.Fatalf("tabell.RegisterDerivation() error: %v", err)
	}
	log.Printf("derivation registered with id: %s", id)

	report, err := t.Run(ctx, id)
	if err != nil {
		log.Fatalf("tabell.Run() error: %v", err)
	}

	fmt.Println(report)

	if err := t.Shutdown(ctx); err != nil {
		log.Printf("tabell.Shutdown() error: %v", err)
	}
}

var specSalesReport = []byte(`
{
    "namespace": "examples",
    "derivationIdSuffix": "sales-report",
    "description": "A sales report derivation, projecting order rows down to the report columns.",
    "version": 1,
    "sources": [
        {
            "name": "orders",
            "type": "inline",
            "config": {
                "customConfig": {
                    "columns": ["orderId", "customer", "total", "status", "internalNote"],
                    "rows": [
                        ["o-1001", "Fox & Sons", 99.5, "complete", "gift wrap"],
                        ["o-1002", "Stellar Ltd", 45.0, "complete", ""],
                        ["o-1003", "Nordic Traders", 450.25, "complete", "recurring customer"],
                        ["o-1004", "Fox & Sons", 12.75, "complete", ""]
                    ]
                }
            }
        }
    ],
    "derive": {
        "type": "select",
        "config": {
            "include-fields": ["orderId", "customer", "total"]
        }
    },
    "sinks": [
        {
            "type": "void",
            "config": {
                "properties": [
                    {
                        "key": "logTableData",
                        "value": "true"
                    }
                ]
            }
        }
    ]
}
`)
