// Package h264 implements Annex-B byte stream framing for H.264. It splits a
// buffer into typed NAL units without losing a byte, groups a raw elementary
// stream into access units, and counts closed captions carried in SEI payloads.
//
// The central type is [Framer], a lazy iterator over the NAL units of one
// buffer. [Join] is its inverse: joining every yielded unit reproduces the
// framed input exactly, unless the trailing-zero workaround removed bytes.
package h264
