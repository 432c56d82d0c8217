package web

import "embed"

// FS holds the dashboard served at / by the serve command.
//
//go:embed *.html *.css *.js
var FS embed.FS
