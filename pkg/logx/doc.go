// Package logx is asyncq's zerolog wrapper.
//
// A Service owns the sinks (console, JSON console, append-only file) and can
// be re-applied at runtime when the logging section of the config changes.
// Logger handles are cheap values: With adds fixed fields and Sampled caps
// debug chatter on hot paths such as per-item processor logs.
package logx
