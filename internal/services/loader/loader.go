// Package loader triggers service and interceptor registration via blank
// imports. Import this package to ensure all of them are registered.
package loader

import (
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/interceptors/ratelimit"
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/services/admin"
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/services/api"
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/services/federation"
	_ "github.com/MahdiBaghbani/tezmesh-go/internal/services/wellknown"
)
