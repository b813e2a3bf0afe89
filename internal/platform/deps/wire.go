package deps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/hub"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/inbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/notify"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/outbox"
	"github.com/MahdiBaghbani/tezmesh-go/internal/components/federation/scopedtoken"
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
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/instanceid"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/tezmesh-go/internal/platform/store"
)

// Models lists every table of the server.
func Models() []any {
	var models []any
	for _, m := range [][]any{
		identity.Models(),
		serverid.Models(),
		trust.Models(),
		tez.Models(),
		outbox.Models(),
		hub.Models(),
		spoke.Models(),
	} {
		models = append(models, m...)
	}
	return models
}

// WireOptions are the already-opened resources Wire builds on.
type WireOptions struct {
	Config     *config.Config
	DB         *gorm.DB
	KeyManager *crypto.KeyManager
	HTTPClient *httpclient.ContextClient
	Cache      cache.CacheWithCounter

	// UserAuth defaults to NewUserAuth. Tests pass the fast variant.
	UserAuth *identity.UserAuth
	Log      *slog.Logger
}

// Wire migrates the schema and assembles the components of one server.
// The dispatcher is built but not started.
func Wire(ctx context.Context, o WireOptions) (*Deps, error) {
	log := logutil.NoopIfNil(o.Log)
	cfg := o.Config

	localHost, err := instanceid.FederationHost(cfg.PublicOrigin)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, o.DB, Models()...); err != nil {
		return nil, err
	}
	id, err := serverid.LoadOrCreate(ctx, o.DB, localHost)
	if err != nil {
		return nil, fmt.Errorf("server identity: %w", err)
	}

	key := o.KeyManager.GetSigningKey()
	if key == nil {
		return nil, fmt.Errorf("signing key not loaded")
	}
	hubCfg := cfg.Federation.Hub
	issuer, err := scopedtoken.NewIssuer(key, localHost, time.Duration(hubCfg.TokenTTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	verifier := scopedtoken.NewVerifier(key.PublicKey, localHost)

	userAuth := o.UserAuth
	if userAuth == nil {
		userAuth = identity.NewUserAuth()
	}
	broker := notify.NewBroker(log)
	notifier := notify.Multi{notify.NewLogNotifier(log), broker}

	d := &Deps{
		Config:      cfg,
		DB:          o.DB,
		LocalHost:   localHost,
		Identity:    id,
		PartyRepo:   identity.NewGormPartyRepo(o.DB),
		SessionRepo: identity.NewGormSessionRepo(o.DB),
		UserAuth:    userAuth,
		Teams:       identity.NewTeamDirectory(o.DB),
		Trust:       trust.NewRegistry(o.DB),
		Tez:         tez.NewStore(o.DB),
		Outbox:      outbox.NewQueue(o.DB),
		Broker:      broker,
		Notifier:    notifier,
		HTTPClient:  o.HTTPClient,
		KeyManager:  o.KeyManager,
		Cache:       o.Cache,
		RealIP:      realip.NewTrustedProxies(cfg.Server.TrustedProxies),
	}

	d.Dispatcher = outbox.NewDispatcher(
		d.Outbox,
		outbox.NewHTTPDeliverer(o.HTTPClient, cfg.Federation.PeerScheme),
		d.Trust,
		outbox.ConfigFrom(cfg.Federation.Delivery),
		log.With("component", "outbox"),
	)
	d.Sender = outbox.NewSender(d.Outbox, id.Origin(), d.Dispatcher, log.With("component", "outbox"))
	d.Inbox = inbox.New(inbox.Options{
		LocalHost:      localHost,
		RequireTrusted: cfg.Federation.RequireTrusted,
		Trust:          d.Trust,
		Store:          d.Tez,
		Users:          d.PartyRepo,
		Notifier:       notifier,
		Log:            log.With("component", "inbox"),
	})
	d.Hub = hub.NewService(o.DB, hub.Options{
		LocalHost:         localHost,
		Capabilities:      hubCfg.Capabilities,
		PrimaryTeam:       hubCfg.PrimaryTeam,
		RequireInviteCode: hubCfg.RequireInviteCode,
		RefreshGrace:      time.Duration(hubCfg.RefreshGraceSeconds) * time.Second,
		Issuer:            issuer,
		Verifier:          verifier,
		Teams:             d.Teams,
		Tez:               d.Tez,
		Notifier:          notifier,
		Log:               log.With("component", "hub"),
	})
	d.Spoke = spoke.NewService(o.DB, spoke.Options{
		LocalHost:   localHost,
		Scheme:      cfg.Federation.PeerScheme,
		Client:      o.HTTPClient,
		JoinTimeout: time.Duration(hubCfg.JoinTimeoutMS) * time.Millisecond,
		Notifier:    notifier,
		Log:         log.With("component", "spoke"),
	})
	return d, nil
}
