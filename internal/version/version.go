// Package version records the build identity substituted into the
// SYSSTATS templates and anywhere else the board prints its release.
package version

// Number is the human-readable release number. Overridable at build time
// via -ldflags "-X .../internal/version.Number=...".
var Number = "3.0.0"
