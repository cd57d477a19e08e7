// Package profile describes what a service accepts and produces. Profiles
// group input templates, which bind uploaded files to a format and metadata
// schema, and output templates, which describe what a run is expected to
// produce.
//
// The Catalog resolves templates for uploads and matches the inputs of a
// project against the configured profiles before a job is started. The
// Registry maps validator, converter and viewer identifiers to their
// implementations.
package profile
