// Package project provides the on-disk store of per-user projects and derives
// each project's lifecycle state from the sentinel files in its directory.
//
// A Project is a directory holding an input/ and an output/ directory plus a
// small set of hidden sentinel files (.pid, .status, .done, .abort, .aborted,
// .download) that are the only channel between the service and the job
// processes it dispatches. Nothing about a project is held in memory; every
// Status call re-derives the state from disk, so any number of service
// processes can share one root.
//
// A Store creates, finds, lists and removes Projects under a root directory,
// grouped by owner.
package project
