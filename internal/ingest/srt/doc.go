// Package srt carries MPEG-TS over SRT (Secure Reliable Transport): a
// listener-mode Server that turns publish connections into ingest feeds, and
// a caller-mode Dial used by sources that pull from a remote listener.
package srt
