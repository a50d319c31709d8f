// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed stage/*.md quality/*.md
var embeddedFS embed.FS
