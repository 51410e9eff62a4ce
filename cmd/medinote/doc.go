// Command medinote runs both halves of the audio pipeline: `serve` starts the
// ingestion server, `record` captures PCM into the local chunk store and
// streams it, and `drain`, `pending` and `discard` operate on the local
// backlog. `export` reconstructs a stored session into a WAV or raw file.
package main
