package web

import (
	"embed"
)

// static holds the embedded operator page.
// The final binary includes all files under static/.
//
//go:embed static/*
var staticFiles embed.FS
