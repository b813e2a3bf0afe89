// Package loader registers the cache drivers via blank imports.
package loader

import (
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache/memory"
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache/redis"
)
