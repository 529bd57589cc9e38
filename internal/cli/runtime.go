package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/beam/internal/config"
	"github.com/rudransh-shrivastava/beam/internal/crypto"
	"github.com/rudransh-shrivastava/beam/internal/engine"
	"github.com/rudransh-shrivastava/beam/internal/event"
	relay "github.com/rudransh-shrivastava/beam/internal/signal"
	"github.com/rudransh-shrivastava/beam/internal/store"
	"github.com/rudransh-shrivastava/beam/internal/transport"
	"github.com/rudransh-shrivastava/beam/internal/transport/quic"
	"github.com/rudransh-shrivastava/beam/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// endpoint is a started engine plus the resources it owns.
type endpoint struct {
	cfg      *config.Config
	provider transport.Provider
	engine   *engine.Engine
	db       *gorm.DB
}

func openHistory(cfg *config.Config) (*gorm.DB, *store.TransferStore, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return db, store.NewTransferStore(db), nil
}

func newProvider(ctx context.Context, cfg *config.Config, log *logrus.Logger) (transport.Provider, error) {
	switch cfg.Transport {
	case config.TransportQUIC:
		p, err := quic.Listen(cfg.QUICAddr, quic.Options{ID: cfg.PeerID, Logger: log})
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.TransportWebRTC:
		dialCtx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
		defer cancel()

		client, err := relay.Dial(dialCtx, cfg.SignalURL, cfg.PeerID)
		if err != nil {
			return nil, err
		}
		p, err := webrtc.New(webrtc.Options{
			Config:   webrtc.STUNConfig(cfg.STUNServers),
			Signaler: client,
			Logger:   log,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// startEndpoint wires history, transport and engine together. obs, when
// set, is subscribed before the engine starts so no notification is missed.
func startEndpoint(ctx context.Context, cfg *config.Config, log *logrus.Logger, obs event.Observer) (*endpoint, error) {
	db, history, err := openHistory(cfg)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(ctx, cfg, log)
	if err != nil {
		_ = store.Close(db)
		return nil, err
	}

	texts := event.NewTexts()
	if err := texts.Use(cfg.TextSet); err != nil {
		_ = provider.Close()
		_ = store.Close(db)
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Provider:         provider,
		Crypto:           crypto.NewBox(),
		Logger:           log,
		Transfers:        history,
		Texts:            texts,
		ProgressInterval: cfg.ProgressInterval,
		OpenTimeout:      cfg.OpenTimeout,
	})
	if err != nil {
		_ = provider.Close()
		_ = store.Close(db)
		return nil, err
	}

	if obs != nil {
		eng.Subscribe(obs)
	}
	if err := eng.Start(); err != nil {
		_ = eng.Close()
		_ = store.Close(db)
		return nil, err
	}

	return &endpoint{cfg: cfg, provider: provider, engine: eng, db: db}, nil
}

func (ep *endpoint) Close() error {
	return errors.Join(ep.engine.Close(), store.Close(ep.db))
}

// statusLogger logs every status notification with its text.
func statusLogger(log *logrus.Logger) event.Observer {
	return event.ObserverFunc(func(ev event.Event) {
		if !ev.Name.IsStatus() {
			return
		}
		entry := log.WithField("status", string(ev.Name))
		if ev.CID != "" {
			entry = entry.WithField("cid", ev.CID)
		}
		if ev.PeerID != "" {
			entry = entry.WithField("peer", ev.PeerID)
		}
		if ev.Err != nil {
			entry.WithError(ev.Err).Warn(ev.Text)
			return
		}
		entry.Info(ev.Text)
	})
}
