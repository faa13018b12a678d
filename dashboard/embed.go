// Package dashboard provides the embedded web UI for duetboard.
//
// The page is compiled into the binary and served by the server package at
// "/". It renders one card per printer and keeps itself current from the
// "/api/sse" stream.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
//	assets/
//	  index.html    - dashboard page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
