// Package dispatch builds job command lines and starts them through the
// dispatcher helper, locally or over a single ssh hop.
//
// The service side (Dispatcher.Launch) is fire-and-forget: it returns as
// soon as the helper has been spawned. The helper side (RunHelper) owns the
// job process: it records the pid, watches for the .abort sentinel and
// writes .done when the job exits. Actions run the same helper with
// NoProject and wait for the result.
package dispatch
