// Package migrations carries the schema files so binaries can migrate
// without a checkout on disk.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
