// Package broker provides an embeddable publish/subscribe message broker for Go
// with topic lifecycle management, bounded delivery queues, retry logic, and
// dead-letter escalation.
//
// Works both as a library for embedding in your application AND as a standalone
// microservice with REST API.
//
// # Features
//
//   - Topic Lifecycle: UNCONFIGURED → ALIVE → UNREFERENCED → SOFT_ERASED → DEAD
//     with a central transition table and race-safe destroy-delay timers
//   - Reference-Counted Message Store: a message lives exactly as long as
//     something references it, never copied per subscriber
//   - Bounded History: per-topic ring of recent messages with configurable depth
//   - Exact and Query Subscriptions: subscribe by topic name or by a metadata
//     query matched against every new topic
//   - Point-to-Point Delivery: address messages to named subscribers, bypassing
//     the subscriber set
//   - Reliable Delivery with exponential backoff retry per subscriber queue
//   - Dead Letters: undeliverable messages are republished on __sys__deadMessage,
//     never silently dropped
//   - Options Pattern for modern Go API design
//   - Pluggable architecture: bring your own Logger, Authorizer, QueryEvaluator,
//     NotificationService, DeliveryGateway
//   - Optional Persistence: write-through of persistent messages and startup
//     recovery via Relica adapters (MySQL, PostgreSQL, SQLite)
//   - Embedded Migrations for easy database setup
//
// # Quick Start
//
// # Option 1: As Embedded Library
//
//	import (
//	    "context"
//	    "github.com/coregx/broker"
//	)
//
//	b, _ := broker.New(broker.WithLogger(logger))
//
//	dispatcher, _ := broker.NewDispatcher(
//	    broker.WithDispatcherBroker(b),
//	    broker.WithDispatcherGateway(gateway), // your transport
//	    broker.WithDispatcherLogger(logger),
//	)
//	go dispatcher.Run(ctx)
//
//	// Subscribe
//	sub, _ := b.Subscribe(ctx, broker.SubscribeRequest{
//	    SubscriberID: "client-1",
//	    TopicName:    "sensor.temperature",
//	})
//
//	// Publish
//	result, _ := b.Publish(ctx, broker.PublishRequest{
//	    PublisherID: "client-2",
//	    TopicName:   "sensor.temperature",
//	    Payload:     []byte(`{"celsius": 21.5}`),
//	    ContentType: "application/json",
//	})
//
// # Option 2: With Persistence
//
// First, apply the database migrations:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/broker"
//	    "github.com/coregx/broker/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, _ := sql.Open("mysql", "user:pass@tcp(localhost:3306)/broker?parseTime=true")
//
//	b, _ := broker.New(
//	    broker.WithLogger(logger),
//	    broker.WithPersistentStore(relica.NewPersistentStore(db, "mysql")),
//	)
//	b.RecoverPersistentTopics(ctx)
//
// # Option 3: As Standalone Service
//
// Run the standalone broker server:
//
//	cd cmd/broker-server
//	go run .
//
// Access REST API at http://localhost:8080:
//
//	# Publish message
//	curl -X POST http://localhost:8080/api/v1/publish \
//	  -H "Content-Type: application/json" \
//	  -d '{"publisherID":"cli","topicName":"sensor.temperature","payload":"MjEuNQ=="}'
//
//	# Health check
//	curl http://localhost:8080/api/v1/health
//
// # Message Flow
//
//  1. PUBLISH
//     Broker → Topic (configure on first publish)
//     → Content-change check against history
//     → Store entry (reference counted)
//     → Record history, fan out to subscriber queues
//
//  2. DISPATCHER (Background)
//     Dispatcher → Head of each subscriber queue
//     → Deliver via DeliveryGateway
//     → On Success: release reference
//     → On Transient Failure: retry with exponential backoff
//     → On Exhaustion/Fatal: dead-letter via ErrorHandler
//
//  3. LIFECYCLE
//     Last reference gone → Topic UNREFERENCED
//     → Destroy-delay grace timer → DEAD → resources released
package broker
