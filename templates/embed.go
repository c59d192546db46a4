// Package templates embeds the default configuration and agent guide.
package templates

import "embed"

//go:embed config.yaml agentflow.md
var FS embed.FS
