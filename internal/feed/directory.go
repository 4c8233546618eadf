// Package feed is the directory of price data feeds. Each feed declares the
// one ledger it is provisioned to serve; the registry reads that declaration
// before attaching the feed to an environment.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/logger"
	"github.com/tradegen/vte-engine/internal/model"
)

// ErrUnknownFeed is returned by Provider for a feed that was never registered.
var ErrUnknownFeed = errors.New("feed: unknown feed")

type entry struct {
	admin    common.Address
	provider common.Address
}

// Directory maps feed identities to their declared provider.
type Directory struct {
	mu    sync.RWMutex
	feeds map[common.Address]entry
}

func NewDirectory() *Directory {
	return &Directory{feeds: make(map[common.Address]entry)}
}

// Register sets the declared provider of feed. The first caller to register
// a feed becomes its admin; later changes must come from that admin.
func (d *Directory) Register(caller, feed, provider common.Address) error {
	if model.IsZeroAddress(feed) {
		return apperrors.Newf(apperrors.KindInvalidArgument, "feed is the zero address")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.feeds[feed]
	if ok && e.admin != caller {
		return apperrors.Newf(apperrors.KindUnauthorized, "caller %s is not the admin of feed %s", caller.Hex(), feed.Hex())
	}
	if !ok {
		e.admin = caller
	}
	e.provider = provider
	d.feeds[feed] = e

	logger.Info("feed provider set", "feed", feed.Hex(), "provider", provider.Hex(), "admin", e.admin.Hex())
	return nil
}

// Provider returns the ledger feed declares it serves.
func (d *Directory) Provider(_ context.Context, feed common.Address) (common.Address, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.feeds[feed]
	if !ok {
		return common.Address{}, ErrUnknownFeed
	}
	return e.provider, nil
}
