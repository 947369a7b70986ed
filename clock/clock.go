// Package clock supplies the current time to agreement operations. The unit
// is deployment configuration: wall-clock seconds or chain block height.
package clock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Clock returns the current time in the deployment's unit.
type Clock interface {
	Now(ctx context.Context) (uint64, error)
}

const (
	SourceWall  = "wall"
	SourceBlock = "block"
)

// Default dispute windows for each source: seven days of seconds, or roughly
// one day of blocks.
const (
	DefaultWallDisputeWindow  uint64 = 604800
	DefaultBlockDisputeWindow uint64 = 144
)

// DefaultDisputeWindow returns the window used when none is configured.
func DefaultDisputeWindow(source string) uint64 {
	if strings.EqualFold(source, SourceBlock) {
		return DefaultBlockDisputeWindow
	}
	return DefaultWallDisputeWindow
}

// Wall reports unix seconds.
type Wall struct {
	now func() time.Time
}

func NewWall() *Wall {
	return &Wall{now: time.Now}
}

func (w *Wall) Now(context.Context) (uint64, error) {
	sec := w.now().Unix()
	if sec < 0 {
		return 0, fmt.Errorf("clock: wall time before epoch: %d", sec)
	}
	return uint64(sec), nil
}

// blockNumberer is the subset of ethclient.Client the block clock needs.
type blockNumberer interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Block reports the head block height of an EVM chain.
type Block struct {
	client blockNumberer
	closer func()
}

// DialBlock connects to rpcURL and returns a block-height clock.
func DialBlock(ctx context.Context, rpcURL string) (*Block, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("clock: block source requires an RPC URL")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("clock: dial %s: %w", rpcURL, err)
	}
	return &Block{client: client, closer: client.Close}, nil
}

func (b *Block) Now(ctx context.Context) (uint64, error) {
	height, err := b.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("clock: fetch block number: %w", err)
	}
	return height, nil
}

func (b *Block) Close() {
	if b != nil && b.closer != nil {
		b.closer()
	}
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

func NewManual(start uint64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

func (m *Manual) Set(now uint64) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Manual) Advance(delta uint64) {
	m.mu.Lock()
	m.now += delta
	m.mu.Unlock()
}
