// Package s3ui provides a management console and change notifier for
// S3 compatible object storage.
//
// s3ui detects changes in monitored buckets by polling: each cycle it lists
// every object in a bucket, compares keys and ETags against the previous
// listing and emits OBJECT_CREATED and OBJECT_DELETED events for the
// differences. Events are delivered to per-bucket webhook endpoints as JSON
// POST requests.
//
// # Architecture
//
// The package consists of four main components:
//
//   - [App]: Console HTTP API for buckets, objects, notification settings and
//     connection management
//   - [Poller]: Polling loop that maintains per-bucket snapshots and emits
//     change events
//   - [PolicyStore]: Persistent per-bucket notification settings (file or
//     DynamoDB backed)
//   - [Notifier]: Event delivery to downstream systems (webhook, EventBridge
//     or file-based)
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli s3ui.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	policies, _ := s3ui.NewPolicyStore(ctx, storeOption)
//	notifier, _ := s3ui.NewNotifier(ctx, notifierOption)
//	app, _ := s3ui.New(appOption, policies, notifier, pollOption)
//
// # Change Detection
//
// Polling trades latency for portability: it needs nothing from the storage
// backend beyond list access, so it works against any S3 compatible endpoint
// (MinIO, Ceph RGW, ODF and AWS S3 itself). A bucket's first successful
// listing establishes a baseline; changes are reported only from the second
// listing on. Overwriting an object changes its ETag and is reported as
// OBJECT_CREATED.
//
// # Deployment Modes
//
// s3ui supports multiple deployment modes:
//   - Local HTTP server together with the polling loop (serve)
//   - Polling loop only, console disabled (poll)
//   - AWS Lambda for the console API (via [github.com/fujiwara/ridge])
package s3ui
