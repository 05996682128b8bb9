package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dphi-space/emctl/internal/config"
	"github.com/dphi-space/emctl/internal/emapi"
	"github.com/dphi-space/emctl/internal/ledger"
	"github.com/dphi-space/emctl/internal/tokenfile"
	"github.com/dphi-space/emctl/internal/transfer"
)

// GatewaySession holds the clients for one gateway identity. Client carries
// the per-request timeout for metadata calls; Transfer has no overall
// timeout so large files are bounded only by dial and header timeouts. Both
// share one emapi.Session, so a login by either serves the other.
type GatewaySession struct {
	Client   *emapi.Client
	Transfer *emapi.Client
	Session  *emapi.Session
	Store    *tokenfile.Store
	Recorder *ledger.Recorder
	Resolved *config.Resolved

	ledger *ledger.Ledger
	logger *slog.Logger
}

// errNotConfigured is returned when no gateway is configured yet.
var errNotConfigured = errors.New("no gateway configured; run 'emctl login --base-url URL --username NAME' first")

// NewGatewaySession builds clients from resolved config. The ledger is
// opened best effort: when it cannot be opened the session records nothing.
func NewGatewaySession(ctx context.Context, resolved *config.Resolved, logger *slog.Logger) (*GatewaySession, error) {
	if resolved.BaseURL == "" || resolved.Username == "" {
		return nil, errNotConfigured
	}

	store := tokenfile.NewStore(config.TokenPath(resolved.BaseURL, resolved.Username), resolved.BaseURL, resolved.Username)

	metaHTTP := newMetadataHTTPClient(resolved)
	transferHTTP := newTransferHTTPClient(resolved)

	session := emapi.NewSession(resolved.BaseURL, emapi.Credentials{
		Username: resolved.Username,
		Password: resolved.Password,
	}, metaHTTP, store, logger)

	opts := []emapi.Option{emapi.WithChunkSize(int(resolved.ChunkSizeBytes))}
	if resolved.UserAgent != "" {
		opts = append(opts, emapi.WithUserAgent(resolved.UserAgent))
	}

	gs := &GatewaySession{
		Client:   emapi.NewClient(resolved.BaseURL, metaHTTP, session, logger, opts...),
		Transfer: emapi.NewClient(resolved.BaseURL, transferHTTP, session, logger, opts...),
		Session:  session,
		Store:    store,
		Resolved: resolved,
		logger:   logger,
	}

	l, err := ledger.Open(ctx, config.LedgerPath(), logger)
	if err != nil {
		logger.Warn("history disabled: cannot open ledger", slog.String("error", err.Error()))
	} else {
		gs.ledger = l
	}

	gs.Recorder = ledger.NewRecorder(gs.ledger, logger)

	logger.Debug("gateway session ready",
		slog.String("base_url", resolved.BaseURL),
		slog.String("username", resolved.Username),
		slog.String("pod_name", resolved.Volume.Name()),
	)

	return gs, nil
}

// TransferManager returns a transfer.Manager over the transfer client, sized
// from config.
func (gs *GatewaySession) TransferManager() (*transfer.Manager, error) {
	return transfer.NewManager(gs.Transfer, transfer.Options{
		ParallelDownloads: gs.Resolved.ParallelDownloads,
		ParallelUploads:   gs.Resolved.ParallelUploads,
		ChunkSize:         int(gs.Resolved.ChunkSizeBytes),
		BandwidthLimit:    gs.Resolved.BandwidthLimit,
	}, gs.Recorder, gs.logger)
}

// Close releases the ledger.
func (gs *GatewaySession) Close() {
	if gs.ledger == nil {
		return
	}

	if err := gs.ledger.Close(); err != nil {
		gs.logger.Warn("closing ledger", slog.String("error", err.Error()))
	}
}

func newBaseTransport(resolved *config.Resolved) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()

	dialer := &net.Dialer{Timeout: resolved.ConnectTimeout, KeepAlive: 30 * time.Second}
	t.DialContext = dialer.DialContext
	t.TLSHandshakeTimeout = resolved.ConnectTimeout

	return t
}

func newMetadataHTTPClient(resolved *config.Resolved) *http.Client {
	return &http.Client{
		Transport: newBaseTransport(resolved),
		Timeout:   resolved.RequestTimeout,
	}
}

func newTransferHTTPClient(resolved *config.Resolved) *http.Client {
	t := newBaseTransport(resolved)
	t.ResponseHeaderTimeout = resolved.RequestTimeout

	return &http.Client{Transport: t}
}

// openSession is the common prologue of gateway commands.
func openSession(ctx context.Context, cc *CLIContext) (*GatewaySession, error) {
	if cc.Cfg == nil {
		return nil, fmt.Errorf("no configuration loaded")
	}

	return NewGatewaySession(ctx, cc.Cfg, cc.Logger)
}
