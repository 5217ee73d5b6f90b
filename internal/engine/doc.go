// Package engine provides the asynchronous generation engine.
// It admits at most one in-flight generation per session, drives each one
// through the video client, persists every status transition and progress
// event, and fans events out to live subscribers.
package engine
