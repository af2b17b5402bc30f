// Package templates embeds the default configuration and the example
// upgrade manifest installed by `upgradectl init`.
package templates

import "embed"

//go:embed config.yaml manifest.example.yaml
var FS embed.FS
