// Package deps holds the process-wide components that services are built
// from. main wires them once; service constructors read them with GetDeps.
package deps

import (
	"sync/atomic"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/hub"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/inbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/outbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/serverid"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/spoke"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/trust"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/identity"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/tez"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/cache"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/config"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/crypto"
	httpclient "github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/client"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/http/realip"
)

var shared atomic.Pointer[Deps]

// Deps holds the components shared by every service of one server.
type Deps struct {
	Config *config.Config
	DB     *gorm.DB

	// LocalHost is the federation host derived from PublicOrigin.
	LocalHost string
	Identity  serverid.Identity

	PartyRepo   identity.PartyRepo
	SessionRepo identity.SessionRepo
	UserAuth    *identity.UserAuth
	Teams       *identity.TeamDirectory

	Trust      *trust.Registry
	Tez        *tez.Store
	Outbox     *outbox.Queue
	Sender     *outbox.Sender
	Dispatcher *outbox.Dispatcher
	Inbox      *inbox.Inbox
	Hub        *hub.Service
	Spoke      *spoke.Service

	// Broker feeds /api/events; Notifier fans out to it and the log.
	Broker   *notify.Broker
	Notifier notify.Notifier

	HTTPClient *httpclient.ContextClient
	KeyManager *crypto.KeyManager

	// Cache backs the rate limit interceptor.
	Cache cache.CacheWithCounter

	// RealIP is the single source of client identity for logging and rate limiting.
	RealIP *realip.TrustedProxies
}

// SetDeps publishes d. Only the first call has an effect until ResetDeps.
func SetDeps(d *Deps) {
	shared.CompareAndSwap(nil, d)
}

// GetDeps returns the published deps, or nil before SetDeps.
func GetDeps() *Deps { return shared.Load() }

// ResetDeps clears the published deps. Tests only.
func ResetDeps() { shared.Store(nil) }
