// Package worker runs worker-pool jobs.
//
// A worker is stateless. It learns about jobs from job.ready messages on
// RabbitMQ and, as a fallback, by polling the jobs table for pending rows.
// Claiming a job is an atomic status change in Postgres, so any number of
// workers can share one pool and each job runs once.
package worker
