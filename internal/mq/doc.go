// Package mq is the RabbitMQ plumbing for the worker-pool backend.
//
// The agent publishes a job.ready message for every job it submits to the
// pool; workers consume the jobs.ready queue. Messages that fail repeatedly
// are dead-lettered to dlq.jobs for manual inspection.
//
//	launchpad.jobs (direct)
//	└── jobs.ready [routing: ready]   consumer: launchpad-worker, DLQ: dlq.jobs
//	launchpad.dlq (direct)
//	└── dlq.jobs [routing: jobs]
package mq
