package s3ui

// Version is overridden at build time via -ldflags.
var Version = "current"
