package main

import (
	"context"

	"codeberg.org/mutker/bmcctl/internal/bmc"
	"codeberg.org/mutker/bmcctl/internal/config"
	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/keystore"
	"codeberg.org/mutker/bmcctl/internal/logger"
	"codeberg.org/mutker/bmcctl/internal/poller"
)

// app carries what every subcommand needs once configuration is loaded
type app struct {
	cfg    *config.Config
	log    logger.Logger
	store  keystore.Store
	client *bmc.Client
}

// open creates the credential store and BMC client on first use
func (a *app) open() error {
	if a.client != nil {
		return nil
	}

	store, err := keystore.NewSQLite(keystore.Config{
		DBPath:  a.cfg.StorePath,
		KeyPath: a.cfg.StoreKeyPath,
	}, logger.New("keystore"))
	if err != nil {
		return err
	}

	client, err := bmc.NewClient(bmc.Options{
		RequestTimeout:  a.cfg.RequestTimeout,
		ResourceTimeout: a.cfg.ResourceTimeout,
	}, store, logger.New("bmc"))
	if err != nil {
		store.Close()
		return err
	}

	a.store = store
	a.client = client
	return nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Debug().Err(err).Msg("Failed to close credential store")
	}
}

// session makes sure the client holds a usable session. A session saved by a
// previous run is reused; otherwise stored or configured credentials are used
// to log in.
func (a *app) session(ctx context.Context) error {
	if err := a.open(); err != nil {
		return err
	}

	if err := a.client.Restore(ctx); err != nil {
		return err
	}

	if a.client.Session().Authenticated() {
		return a.call(ctx, func(ctx context.Context) error {
			_, err := a.client.GetFanMode(ctx)
			return err
		})
	}

	return a.relogin(ctx)
}

// call runs fn, logging in again and retrying once if the session expired.
func (a *app) call(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if !bmc.IsUnauthorized(err) {
		return err
	}

	a.log.Debug().Msg("Session expired, logging in again")
	if err := a.relogin(ctx); err != nil {
		return err
	}

	return fn(ctx)
}

func (a *app) relogin(ctx context.Context) error {
	_, err := a.client.LoginWithStoredCredentials(ctx)
	if err == nil {
		return nil
	}
	if !errors.HasCode(err, bmc.ErrNoSession) {
		return err
	}

	if a.cfg.Address == "" || a.cfg.Username == "" || a.cfg.Password == "" {
		return err
	}

	_, err = a.client.Login(ctx, a.cfg.Address, a.cfg.Username, a.cfg.Password)
	return err
}

// newPoller returns a poller bound to the already established session
func (a *app) newPoller() *poller.Poller {
	p := poller.New(a.client, a.store, poller.Options{
		Interval:    a.cfg.Interval,
		PowerSettle: a.cfg.PowerSettle,
		FanSettle:   a.cfg.FanSettle,
	}, logger.New("poller"))
	p.Resume()
	return p
}
