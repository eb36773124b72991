// Package chain wraps the FuseVault registry contract behind a typed client.
// It supports two execution modes: server-signed, where the server wallet
// signs and broadcasts synchronously, and user-signed, where an unsigned
// transaction is prepared for the owner's wallet and the receipt is awaited
// on a later completion call. Reads, calldata decoding and event recovery are
// the verification oracle for everything stored off-chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/params"
)

var (
	// ErrNoSigner means server-signed execution was requested but no server
	// key is configured.
	ErrNoSigner = errors.New("chain: server signing key not configured")

	// ErrUnavailable wraps RPC transport failures.
	ErrUnavailable = errors.New("chain: rpc unavailable")

	// ErrTimeout means the receipt did not arrive within the deadline.
	ErrTimeout = errors.New("chain: timed out waiting for receipt")

	// ErrRevert means the transaction was mined but reverted; the wrapped
	// message carries the decoded revert reason when one is available.
	ErrRevert = errors.New("chain: transaction reverted")

	// ErrTxNotFound means the referenced transaction is unknown to the node.
	ErrTxNotFound = errors.New("chain: transaction not found")

	// ErrTxMismatch means a transaction exists but does not anchor the
	// expected asset.
	ErrTxMismatch = errors.New("chain: transaction does not store the expected asset")

	// ErrNoEvents means the bounded event scan found no anchoring event.
	ErrNoEvents = errors.New("chain: no matching events in scan window")
)

// Backend is the subset of the Ethereum RPC surface the client needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	Status      uint64 `json:"status"`

	// Logs are the receipt logs, kept so callers can extract delegation
	// events after a confirmed setDelegate.
	Logs []*types.Log `json:"-"`
}

// UnsignedTx is a prepared transaction awaiting the user's signature. Field
// names follow the wire format stored in pending records and returned to
// clients.
type UnsignedTx struct {
	From         string `json:"from"`
	To           string `json:"to"`
	Data         string `json:"data"`
	Value        string `json:"value"`
	Nonce        uint64 `json:"nonce"`
	Gas          uint64 `json:"estimated_gas"`
	GasPrice     string `json:"gas_price"`
	ChainID      uint64 `json:"chain_id"`
	FunctionName string `json:"function_name"`
}

// IPFSInfo is the contract's current view of one asset.
type IPFSInfo struct {
	CID       string
	Version   uint64
	IsDeleted bool
}

// CIDCheck is the contract's verdict on a claimed (cid, version) pair.
type CIDCheck struct {
	Valid         bool
	ActualVersion uint64
	IsDeleted     bool
	Message       string
}

// TxDetails is what calldata decoding yields for an anchoring transaction.
type TxDetails struct {
	CID    string
	Sender common.Address
	Method string
}

// Client talks to the registry contract. Safe for concurrent use.
type Client struct {
	cfg      Config
	backend  Backend
	abi      abi.ABI
	address  common.Address
	contract *bind.BoundContract
	chainID  *big.Int

	signer     *bind.TransactOpts
	serverAddr common.Address

	nonceLock AddrLocker
	txCache   *lru.Cache
	log       *zap.Logger
}

// Dial connects to the RPC endpoint in cfg and builds a client against the
// configured contract.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, cfg.RPCURL, err)
	}
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrUnavailable, err)
	}
	return New(cfg, ec, chainID, log)
}

// New builds a client over an existing backend.
func New(cfg Config, backend Backend, chainID *big.Int, log *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.ContractAddress)
	}
	contractABI, err := RegistryABI()
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	address := common.HexToAddress(cfg.ContractAddress)
	cache, err := lru.New(512)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		backend:  backend,
		abi:      contractABI,
		address:  address,
		contract: bind.NewBoundContract(address, contractABI, backend, backend, backend),
		chainID:  chainID,
		txCache:  cache,
		log:      log,
	}
	if err := c.loadServerKey(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) loadServerKey() error {
	switch {
	case c.cfg.ServerKeyHex != "":
		key, err := crypto.HexToECDSA(strings.TrimPrefix(c.cfg.ServerKeyHex, "0x"))
		if err != nil {
			return fmt.Errorf("chain: server key: %w", err)
		}
		signer, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
		if err != nil {
			return fmt.Errorf("chain: server key: %w", err)
		}
		c.signer = signer
		c.serverAddr = crypto.PubkeyToAddress(key.PublicKey)
	case c.cfg.KeystoreFile != "":
		blob, err := os.ReadFile(c.cfg.KeystoreFile)
		if err != nil {
			return fmt.Errorf("chain: read keystore: %w", err)
		}
		key, err := keystore.DecryptKey(blob, c.cfg.KeystorePassword)
		if err != nil {
			return fmt.Errorf("chain: decrypt keystore: %w", err)
		}
		signer, err := bind.NewKeyedTransactorWithChainID(key.PrivateKey, c.chainID)
		if err != nil {
			return fmt.Errorf("chain: keystore key: %w", err)
		}
		c.signer = signer
		c.serverAddr = key.Address
	}
	if c.signer != nil {
		c.log.Info("server wallet loaded", zap.Stringer("address", c.serverAddr))
	}
	return nil
}

// HeadBlock returns the current chain head number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}
	return n, nil
}

// ChainID returns the chain the client is bound to.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// ContractAddress returns the registry contract address.
func (c *Client) ContractAddress() common.Address { return c.address }

// ServerWallet returns the server signing address and whether one is loaded.
func (c *Client) ServerWallet() (common.Address, bool) {
	return c.serverAddr, c.signer != nil
}

// Execute signs method(args...) with the server wallet, broadcasts it and
// waits for the receipt. The nonce read and the broadcast hold the per-address
// lock so concurrent server-signed writes cannot collide.
func (c *Client) Execute(ctx context.Context, method string, args ...interface{}) (*Receipt, error) {
	if c.signer == nil {
		return nil, ErrNoSigner
	}
	tx, err := c.transact(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	c.log.Info("server-signed transaction submitted",
		zap.String("method", method), zap.Stringer("tx", tx.Hash()))
	return c.waitMined(ctx, tx, c.serverAddr)
}

func (c *Client) transact(ctx context.Context, method string, args ...interface{}) (*types.Transaction, error) {
	c.nonceLock.LockAddr(c.serverAddr)
	defer c.nonceLock.UnlockAddr(c.serverAddr)

	nonce, err := c.backend.PendingNonceAt(ctx, c.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %v", ErrUnavailable, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrUnavailable, err)
	}
	opts := *c.signer
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasPrice = gasPrice
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	return tx, nil
}

// BuildTransaction prepares an unsigned call to method(args...) from the
// given address, with the gas estimate padded by the configured safety
// margin. The result is serialized into the pending record for the user's
// wallet to sign.
func (c *Client) BuildTransaction(ctx context.Context, from string, method string, args ...interface{}) (*UnsignedTx, error) {
	if !common.IsHexAddress(from) {
		return nil, fmt.Errorf("chain: invalid from address %q", from)
	}
	sender := common.HexToAddress(from)
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: sender,
		To:   &c.address,
		Data: data,
	})
	if err != nil {
		// Estimation executes the call, so failure usually means the
		// transaction itself would revert.
		return nil, fmt.Errorf("%w: %s", ErrRevert, revertMessage(err))
	}
	gas += gas * params.GasEstimateMarginPercent / 100
	nonce, err := c.backend.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %v", ErrUnavailable, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrUnavailable, err)
	}
	return &UnsignedTx{
		From:         strings.ToLower(sender.Hex()),
		To:           strings.ToLower(c.address.Hex()),
		Data:         hexutil.Encode(data),
		Value:        "0",
		Nonce:        nonce,
		Gas:          gas,
		GasPrice:     gasPrice.String(),
		ChainID:      c.chainID.Uint64(),
		FunctionName: method,
	}, nil
}

// BroadcastSigned submits a user-signed raw transaction and waits for its
// receipt.
func (c *Client) BroadcastSigned(ctx context.Context, rawHex string) (*Receipt, error) {
	rawHex = strings.TrimSpace(rawHex)
	if !strings.HasPrefix(rawHex, "0x") {
		rawHex = "0x" + rawHex
	}
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return nil, fmt.Errorf("chain: decode signed tx: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("chain: decode signed tx: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("chain: recover sender: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		// A wallet may have broadcast the same bytes already; waiting on the
		// known hash is then the right move.
		if !strings.Contains(err.Error(), "already known") {
			return nil, fmt.Errorf("%w: send: %v", ErrUnavailable, err)
		}
	}
	c.log.Info("user-signed transaction submitted",
		zap.Stringer("tx", tx.Hash()), zap.Stringer("from", from))
	return c.waitMined(ctx, tx, from)
}

// WaitForReceipt polls for the receipt of an externally broadcast
// transaction, used when the client's wallet both signed and sent the
// transaction and only reported its hash back.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	wctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		rec, err := c.backend.TransactionReceipt(wctx, hash)
		if err == nil {
			return c.finishReceipt(ctx, rec, hash)
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt: %v", ErrUnavailable, err)
		}
		select {
		case <-wctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrTimeout, txHash)
		case <-ticker.C:
		}
	}
}

func (c *Client) waitMined(ctx context.Context, tx *types.Transaction, from common.Address) (*Receipt, error) {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()
	rec, err := bind.WaitMined(wctx, c.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, tx.Hash())
		}
		return nil, fmt.Errorf("%w: wait mined: %v", ErrUnavailable, err)
	}
	out := receiptOf(rec)
	if rec.Status != types.ReceiptStatusSuccessful {
		reason := c.revertReason(ctx, from, tx.Data(), rec.BlockNumber)
		return out, fmt.Errorf("%w: %s", ErrRevert, reason)
	}
	return out, nil
}

// finishReceipt resolves a receipt fetched by hash, decoding the revert
// reason from the original calldata when the transaction failed.
func (c *Client) finishReceipt(ctx context.Context, rec *types.Receipt, hash common.Hash) (*Receipt, error) {
	out := receiptOf(rec)
	if rec.Status == types.ReceiptStatusSuccessful {
		return out, nil
	}
	reason := "execution reverted"
	if tx, _, err := c.backend.TransactionByHash(ctx, hash); err == nil {
		if from, serr := types.Sender(types.LatestSignerForChainID(c.chainID), tx); serr == nil {
			reason = c.revertReason(ctx, from, tx.Data(), rec.BlockNumber)
		}
	}
	return out, fmt.Errorf("%w: %s", ErrRevert, reason)
}

func receiptOf(rec *types.Receipt) *Receipt {
	return &Receipt{
		TxHash:      rec.TxHash.Hex(),
		BlockNumber: rec.BlockNumber.Uint64(),
		GasUsed:     rec.GasUsed,
		Status:      rec.Status,
		Logs:        rec.Logs,
	}
}

// revertReason re-executes the failed call at its mined block and decodes the
// Error(string) payload if the node exposes it.
func (c *Client) revertReason(ctx context.Context, from common.Address, data []byte, block *big.Int) string {
	res, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &c.address,
		Data: data,
	}, block)
	if err != nil {
		return revertMessage(err)
	}
	if reason, uerr := abi.UnpackRevert(res); uerr == nil {
		return reason
	}
	return "execution reverted"
}

// revertMessage digs the revert string out of an RPC error when the node
// attached return data to it.
func revertMessage(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if raw, herr := hexutil.Decode(s); herr == nil {
				if reason, uerr := abi.UnpackRevert(raw); uerr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

// GetIPFSInfo reads the contract's current (cid, version, deleted) record for
// the asset.
func (c *Client) GetIPFSInfo(ctx context.Context, owner common.Address, assetID string) (*IPFSInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: cctx}, &out, "getIPFSInfo", owner, assetID)
	if err != nil {
		return nil, fmt.Errorf("%w: getIPFSInfo: %v", ErrUnavailable, err)
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("chain: getIPFSInfo returned %d values", len(out))
	}
	return &IPFSInfo{
		CID:       out[0].(string),
		Version:   out[1].(*big.Int).Uint64(),
		IsDeleted: out[2].(bool),
	}, nil
}

// VerifyCID asks the contract whether (cid, claimedVersion) matches its
// stored digest for the asset.
func (c *Client) VerifyCID(ctx context.Context, owner common.Address, assetID, cid string, claimedVersion uint64) (*CIDCheck, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: cctx}, &out, "verifyCID",
		owner, assetID, cid, new(big.Int).SetUint64(claimedVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: verifyCID: %v", ErrUnavailable, err)
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("chain: verifyCID returned %d values", len(out))
	}
	return &CIDCheck{
		Valid:         out[0].(bool),
		ActualVersion: out[1].(*big.Int).Uint64(),
		IsDeleted:     out[2].(bool),
		Message:       out[3].(string),
	}, nil
}

// Delegates reports whether owner has authorized delegate on-chain. This is
// the authoritative check behind every delegated operation.
func (c *Client) Delegates(ctx context.Context, owner, delegate common.Address) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: cctx}, &out, "delegates", owner, delegate)
	if err != nil {
		return false, fmt.Errorf("%w: delegates: %v", ErrUnavailable, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("chain: delegates returned %d values", len(out))
	}
	return out[0].(bool), nil
}
