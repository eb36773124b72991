package chain

import (
	"context"
	"errors"
	"fmt"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// cachedDetails is the decoded calldata of one anchoring transaction. Mined
// calldata never changes, so entries live in the LRU for the process
// lifetime.
type cachedDetails struct {
	cids   map[string]string
	sender common.Address
	method string
}

// GetTransactionDetails decodes the calldata of a prior anchoring transaction
// and returns the CID it stored for the expected asset plus the transaction
// sender. Batch transactions are matched per element. Verification uses the
// sender to decide whether the anchor was written by the server wallet.
func (c *Client) GetTransactionDetails(ctx context.Context, txHash, expectedAssetID string) (*TxDetails, error) {
	hash := common.HexToHash(txHash)
	if v, ok := c.txCache.Get(hash); ok {
		return detailsFor(v.(*cachedDetails), expectedAssetID)
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	tx, _, err := c.backend.TransactionByHash(cctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash)
		}
		return nil, fmt.Errorf("%w: transaction by hash: %v", ErrUnavailable, err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("chain: recover sender of %s: %w", txHash, err)
	}
	cids, method, err := decodeAnchorCalldata(c.abi, tx.Data())
	if err != nil {
		return nil, err
	}
	entry := &cachedDetails{cids: cids, sender: sender, method: method}
	c.txCache.Add(hash, entry)
	return detailsFor(entry, expectedAssetID)
}

func detailsFor(entry *cachedDetails, assetID string) (*TxDetails, error) {
	cid, ok := entry.cids[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s not in %s calldata", ErrTxMismatch, assetID, entry.method)
	}
	return &TxDetails{CID: cid, Sender: entry.sender, Method: entry.method}, nil
}

// decodeAnchorCalldata unpacks the calldata of any CID-storing method into an
// assetID -> cid map.
func decodeAnchorCalldata(contractABI abi.ABI, data []byte) (map[string]string, string, error) {
	if len(data) < 4 {
		return nil, "", fmt.Errorf("%w: calldata too short", ErrTxMismatch)
	}
	method, err := contractABI.MethodById(data[:4])
	if err != nil {
		return nil, "", fmt.Errorf("%w: unknown method selector", ErrTxMismatch)
	}
	vals, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, method.Name, fmt.Errorf("chain: unpack %s calldata: %w", method.Name, err)
	}
	cids := make(map[string]string)
	switch method.Name {
	case "storeCIDDigest", "updateIPFS":
		cids[vals[0].(string)] = vals[1].(string)
	case "updateIPFSFor":
		cids[vals[1].(string)] = vals[2].(string)
	case "batchUpdateIPFS":
		ids, cs := vals[0].([]string), vals[1].([]string)
		if len(ids) != len(cs) {
			return nil, method.Name, fmt.Errorf("chain: %s: %d ids vs %d cids", method.Name, len(ids), len(cs))
		}
		for i, id := range ids {
			cids[id] = cs[i]
		}
	case "batchUpdateIPFSFor":
		ids, cs := vals[1].([]string), vals[2].([]string)
		if len(ids) != len(cs) {
			return nil, method.Name, fmt.Errorf("chain: %s: %d ids vs %d cids", method.Name, len(ids), len(cs))
		}
		for i, id := range ids {
			cids[id] = cs[i]
		}
	default:
		return nil, method.Name, fmt.Errorf("%w: %s does not anchor CIDs", ErrTxMismatch, method.Name)
	}
	return cids, method.Name, nil
}
