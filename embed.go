// Package mindgraph holds the assets embedded directly into every binary:
// the dashboard's static page and the database schema applied on first
// boot. Individual agents only need schema.sql; the dashboard command also
// serves WebFiles.
package mindgraph

import "embed"

//go:embed web/*
var WebFiles embed.FS

//go:embed schema.sql
var SchemaSQL []byte
