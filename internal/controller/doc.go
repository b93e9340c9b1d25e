// Package controller runs the per-job-set control loop.
//
// A Controller owns one manager.Manager. Each tick it calls Reconcile, which
// reaps finished runs and admits queue items up to the job-set's ceiling.
// Shutdown is only observed between ticks: a tick that has started runs to
// completion, launches included, and jobs that were already launched keep
// running after the controller exits.
//
// A Supervisor runs one Controller per configured job-set.
package controller
