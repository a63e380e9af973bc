package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/hivegate/internal/alert"
	"github.com/ppiankov/hivegate/internal/config"
	"github.com/ppiankov/hivegate/internal/confirm"
	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/escrow"
	"github.com/ppiankov/hivegate/internal/gateway"
	"github.com/ppiankov/hivegate/internal/metrics"
	"github.com/ppiankov/hivegate/internal/policy"
	"github.com/ppiankov/hivegate/internal/receipt"
	"github.com/ppiankov/hivegate/internal/store/sqlstore"
)

// stores groups the persistence backends selected by config.Database.
type stores struct {
	receipts receipt.Store
	locks    escrow.Store
	nonces   credential.NonceStore
	close    func() error
}

func openStores(cfg config.Config) (*stores, error) {
	if cfg.Database == config.Memory {
		return &stores{
			receipts: receipt.NewMemoryStore(),
			locks:    escrow.NewMemoryStore(),
			nonces:   credential.NewMemoryNonceStore(),
			close:    func() error { return nil },
		}, nil
	}
	db, err := sqlstore.OpenSQLite(sqlstore.FileDSN(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database, err)
	}
	return &stores{
		receipts: db,
		locks:    db.Locks(),
		nonces:   db.Nonces(),
		close:    db.Close,
	}, nil
}

func buildResolver(cfg config.Config, grants *credential.GrantTable) credential.Resolver {
	v := cfg.Verification
	if credential.Mode(v.Mode) != credential.ModeFull {
		return credential.NewStaticResolver(grants)
	}
	return credential.NewCachedResolver(credential.NewHTTPResolver(v.ResolverURL, v.ResolveTimeout), v.CacheSize, v.CacheTTL)
}

// buildGateway wires every component from cfg. The returned closer releases
// the database.
func buildGateway(ctx context.Context, cfg config.Config, logger *zap.Logger, rec *metrics.Recorder) (*gateway.Gateway, func() error, error) {
	doc, hash, err := policy.LoadDocument(cfg.PolicyPath)
	if err != nil {
		return nil, nil, err
	}
	node, err := cfg.NodeSigner()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStores(cfg)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*gateway.Gateway, func() error, error) {
		_ = st.close()
		return nil, nil, err
	}

	grants := credential.NewGrantTable(doc.Grants)
	verifier := credential.NewVerifier(credential.Options{
		Mode:           credential.Mode(cfg.Verification.Mode),
		Resolver:       buildResolver(cfg, grants),
		Grants:         grants,
		Nonces:         st.nonces,
		MaxSkew:        cfg.Verification.MaxSkew,
		ResolveTimeout: cfg.Verification.ResolveTimeout,
	})

	var funder escrow.Funder
	if cfg.Escrow.FunderURL != "" {
		funder = escrow.NewHTTPFunder(cfg.Escrow.FunderURL, cfg.Escrow.FundTimeout)
	}
	ledger := escrow.NewLedger(escrow.Options{
		Store:       st.locks,
		Funder:      funder,
		FundTimeout: cfg.Escrow.FundTimeout,
		Logger:      logger.Named("escrow"),
		Metrics:     rec,
	})

	overrides, err := policy.NewOverrideStore(cfg.OverridesPath, nil)
	if err != nil {
		return fail(err)
	}
	engine, err := policy.NewEngine(doc, hash, policy.Options{Overrides: overrides, Payments: ledger})
	if err != nil {
		return fail(err)
	}

	confirmations, err := confirm.NewStore(cfg.PendingDir, nil)
	if err != nil {
		return fail(err)
	}
	operators, err := confirm.NewAuthenticator(cfg.Operators)
	if err != nil {
		return fail(err)
	}
	if operators.Len() == 0 {
		logger.Warn("no operators configured, pending confirmations can only expire")
	}

	receipts, err := receipt.Open(ctx, receipt.Options{
		Store:   st.receipts,
		Signer:  node,
		Logger:  logger.Named("receipts"),
		Metrics: rec,
	})
	if err != nil {
		return fail(err)
	}

	gw, err := gateway.New(gateway.Options{
		Verifier:          verifier,
		Engine:            engine,
		Escrow:            ledger,
		Confirmations:     confirmations,
		Operators:         operators,
		Timeouts:          cfg.Confirmation,
		Receipts:          receipts,
		NodeKey:           node.PublicKey(),
		SettlementTimeout: cfg.SettlementTimeout,
		Replenish: gateway.Replenish{
			ThresholdMsat: cfg.Escrow.ReplenishThresholdMsat,
			AmountMsat:    cfg.Escrow.ReplenishAmountMsat,
			Template: escrow.LockRequest{
				Condition: escrow.PubKeyLock{PubKey: cfg.Escrow.ReplenishPubKey},
			},
		},
		Alerts:  alert.NewDispatcher(cfg.Alerts, logger.Named("alert")),
		Logger:  logger.Named("gateway"),
		Metrics: rec,
	})
	if err != nil {
		return fail(err)
	}
	return gw, st.close, nil
}

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second
