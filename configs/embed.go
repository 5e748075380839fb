// Package configs provides the embedded configuration template. Embedding it
// at build time means `ragweave config init` works in every distribution,
// source builds and binary releases alike.
package configs

import _ "embed"

// ConfigTemplate is the annotated example configuration written by
// `ragweave config init`.
//
//go:embed ragweave.example.yaml
var ConfigTemplate string
