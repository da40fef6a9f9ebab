// Package all imports all built-in schema stores.
//
// Import this package for its side effects to register every store kind:
//
//	import (
//		"github.com/git-pkgs/schemaloader"
//		_ "github.com/git-pkgs/schemaloader/all"
//	)
//
//	// Now all stores are available
//	kinds := schemaloader.SupportedStores()
//	// ["file", "http", "memory"]
package all

import (
	_ "github.com/git-pkgs/schemaloader/internal/filestore"
	_ "github.com/git-pkgs/schemaloader/internal/httpstore"
	_ "github.com/git-pkgs/schemaloader/internal/memstore"
)
