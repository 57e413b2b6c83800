// Package embedCheck carries an optional image compiled into the binary.
// Building with -tags embed embeds the file "preload" from this directory.
package embedCheck

// Name is the module name the embedded image is listed under.
const Name = "preload.dll"
