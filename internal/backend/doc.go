// Package backend defines the capability interface every compute backend
// (local processes, Firecracker microVMs, the worker pool) implements, along
// with the run handle and orphan types the backend manager works with.
package backend
