// Package veo is the asynchronous job client for image-to-video generation.
//
// A generation is a long-running remote operation: Submit returns a handle,
// PollUntilDone refreshes the handle until the vendor reports completion, and
// FetchArtifact downloads the finished video. Generate composes the three.
//
// Operation values are immutable snapshots. Every refresh produces a new
// snapshot from the previous one; nothing in this package mutates a snapshot
// in place. Failures are reported as *Error values carrying an ErrorKind and,
// when the vendor gave enough structure to tell, a Reason.
package veo
