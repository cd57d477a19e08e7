// Package upload adds input files to a project.
//
// An input arrives as a byte stream, a URL, inline text or a reference to a
// pre-installed input source. The Uploader resolves the input template,
// validates the metadata, stages the bytes, optionally converts them, runs
// the template's format validator and only then saves the metadata and
// creates the index link that makes the file visible to profile matching.
// A file that fails validation is removed and never indexed.
package upload
