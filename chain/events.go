package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// EventMatch is an anchoring event recovered from the log history.
type EventMatch struct {
	CID     string
	TxHash  common.Hash
	Block   uint64
	Version uint64
}

// DelegateEvent is one DelegateStatusChanged occurrence.
type DelegateEvent struct {
	Owner    common.Address
	Delegate common.Address
	Active   bool
	TxHash   common.Hash
	Block    uint64
}

// RecoverFromEvents scans IPFSHashUpdated logs for the asset, newest blocks
// first, and returns the most recent anchor. It is the last-resort oracle
// when the tx hash stored beside the asset has itself been tampered with.
// The scan is bounded to the configured window and issued in batch-sized
// getLogs queries.
func (c *Client) RecoverFromEvents(ctx context.Context, owner common.Address, assetID string) (*EventMatch, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}
	var floor uint64
	if head >= c.cfg.EventScanWindow {
		floor = head - c.cfg.EventScanWindow + 1
	}
	eventID := c.abi.Events[EventIPFSHashUpdated].ID
	ownerTopic := common.BytesToHash(common.LeftPadBytes(owner.Bytes(), 32))

	hi := head
	for {
		lo := floor
		if hi >= c.cfg.EventScanBatch && hi-c.cfg.EventScanBatch+1 > floor {
			lo = hi - c.cfg.EventScanBatch + 1
		}
		logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(lo),
			ToBlock:   new(big.Int).SetUint64(hi),
			Addresses: []common.Address{c.address},
			Topics:    [][]common.Hash{{eventID}, {ownerTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: filter logs [%d,%d]: %v", ErrUnavailable, lo, hi, err)
		}

		var (
			best    *EventMatch
			bestPos [3]uint64
		)
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			gotID, cid, version, perr := c.parseIPFSUpdated(lg)
			if perr != nil {
				c.log.Debug("skipping undecodable log",
					zap.Stringer("tx", lg.TxHash), zap.Error(perr))
				continue
			}
			if gotID != assetID {
				continue
			}
			pos := [3]uint64{lg.BlockNumber, uint64(lg.TxIndex), uint64(lg.Index)}
			if best == nil || posLess(bestPos, pos) {
				best = &EventMatch{CID: cid, TxHash: lg.TxHash, Block: lg.BlockNumber, Version: version}
				bestPos = pos
			}
		}
		if best != nil {
			c.log.Info("recovered anchor from event history",
				zap.String("asset", assetID), zap.Stringer("tx", best.TxHash),
				zap.Uint64("block", best.Block))
			return best, nil
		}
		if lo <= floor {
			break
		}
		hi = lo - 1
	}
	return nil, fmt.Errorf("%w: asset %s owner %s", ErrNoEvents, assetID, owner.Hex())
}

// FilterDelegateEvents returns DelegateStatusChanged events in [fromBlock,
// toBlock], used by the delegation cache sweeper.
func (c *Client) FilterDelegateEvents(ctx context.Context, fromBlock, toBlock uint64) ([]DelegateEvent, error) {
	eventID := c.abi.Events[EventDelegateStatusChanged].ID
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{eventID}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: filter delegate events [%d,%d]: %v", ErrUnavailable, fromBlock, toBlock, err)
	}
	out := make([]DelegateEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, perr := c.parseDelegateChanged(lg)
		if perr != nil {
			c.log.Debug("skipping undecodable delegate log",
				zap.Stringer("tx", lg.TxHash), zap.Error(perr))
			continue
		}
		out = append(out, *ev)
	}
	return out, nil
}

// DelegateEventsFromLogs extracts DelegateStatusChanged events out of receipt
// logs, used to sync the cache right after a confirmed delegation
// transaction.
func (c *Client) DelegateEventsFromLogs(logs []*types.Log) []DelegateEvent {
	eventID := c.abi.Events[EventDelegateStatusChanged].ID
	var out []DelegateEvent
	for _, lg := range logs {
		if lg == nil || lg.Address != c.address || len(lg.Topics) == 0 || lg.Topics[0] != eventID {
			continue
		}
		if ev, err := c.parseDelegateChanged(*lg); err == nil {
			out = append(out, *ev)
		}
	}
	return out
}

func (c *Client) parseIPFSUpdated(lg types.Log) (assetID, cid string, version uint64, err error) {
	if len(lg.Topics) < 3 {
		return "", "", 0, fmt.Errorf("chain: IPFSHashUpdated log with %d topics", len(lg.Topics))
	}
	vals, err := c.abi.Unpack(EventIPFSHashUpdated, lg.Data)
	if err != nil {
		return "", "", 0, err
	}
	if len(vals) != 3 {
		return "", "", 0, fmt.Errorf("chain: IPFSHashUpdated carries %d values", len(vals))
	}
	return vals[0].(string), vals[1].(string), vals[2].(*big.Int).Uint64(), nil
}

func (c *Client) parseDelegateChanged(lg types.Log) (*DelegateEvent, error) {
	if len(lg.Topics) < 3 {
		return nil, fmt.Errorf("chain: DelegateStatusChanged log with %d topics", len(lg.Topics))
	}
	vals, err := c.abi.Unpack(EventDelegateStatusChanged, lg.Data)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("chain: DelegateStatusChanged carries %d values", len(vals))
	}
	return &DelegateEvent{
		Owner:    common.BytesToAddress(lg.Topics[1].Bytes()),
		Delegate: common.BytesToAddress(lg.Topics[2].Bytes()),
		Active:   vals[0].(bool),
		TxHash:   lg.TxHash,
		Block:    lg.BlockNumber,
	}, nil
}

func posLess(a, b [3]uint64) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	if a[1] != b[1] {
		return a[1] < b[1]
	}
	return a[2] < b[2]
}
