package chain

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RegistryABIJSON is the ABI of the FuseVault registry contract. The contract
// maps (owner, assetId) to the SHA-256 digest of the current CID plus a
// monotonically increasing version counter and a deletion flag.
const RegistryABIJSON = `[
{"type":"function","name":"storeCIDDigest","stateMutability":"nonpayable","inputs":[{"name":"assetId","type":"string"},{"name":"cid","type":"string"}],"outputs":[]},
{"type":"function","name":"updateIPFS","stateMutability":"nonpayable","inputs":[{"name":"assetId","type":"string"},{"name":"cid","type":"string"}],"outputs":[]},
{"type":"function","name":"updateIPFSFor","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"assetId","type":"string"},{"name":"cid","type":"string"}],"outputs":[]},
{"type":"function","name":"batchUpdateIPFS","stateMutability":"nonpayable","inputs":[{"name":"assetIds","type":"string[]"},{"name":"cids","type":"string[]"}],"outputs":[]},
{"type":"function","name":"batchUpdateIPFSFor","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"assetIds","type":"string[]"},{"name":"cids","type":"string[]"}],"outputs":[]},
{"type":"function","name":"deleteAsset","stateMutability":"nonpayable","inputs":[{"name":"assetId","type":"string"}],"outputs":[]},
{"type":"function","name":"deleteAssetFor","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"assetId","type":"string"}],"outputs":[]},
{"type":"function","name":"batchDeleteAssets","stateMutability":"nonpayable","inputs":[{"name":"assetIds","type":"string[]"}],"outputs":[]},
{"type":"function","name":"batchDeleteAssetsFor","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"assetIds","type":"string[]"}],"outputs":[]},
{"type":"function","name":"setDelegate","stateMutability":"nonpayable","inputs":[{"name":"delegate","type":"address"},{"name":"status","type":"bool"}],"outputs":[]},
{"type":"function","name":"delegates","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"delegate","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getIPFSInfo","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"assetId","type":"string"}],"outputs":[{"name":"cid","type":"string"},{"name":"version","type":"uint256"},{"name":"isDeleted","type":"bool"}]},
{"type":"function","name":"verifyCID","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"assetId","type":"string"},{"name":"cid","type":"string"},{"name":"claimedVersion","type":"uint256"}],"outputs":[{"name":"isValid","type":"bool"},{"name":"actualVersion","type":"uint256"},{"name":"isDeleted","type":"bool"},{"name":"message","type":"string"}]},
{"type":"event","name":"IPFSHashUpdated","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"initiator","type":"address","indexed":true},{"name":"assetId","type":"string","indexed":false},{"name":"cid","type":"string","indexed":false},{"name":"version","type":"uint256","indexed":false}]},
{"type":"event","name":"AssetDeleted","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"initiator","type":"address","indexed":true},{"name":"assetId","type":"string","indexed":false}]},
{"type":"event","name":"DelegateStatusChanged","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"delegate","type":"address","indexed":true},{"name":"status","type":"bool","indexed":false}]}
]`

var (
	abiOnce   sync.Once
	parsedABI abi.ABI
	abiErr    error
)

// RegistryABI returns the parsed registry contract ABI.
func RegistryABI() (abi.ABI, error) {
	abiOnce.Do(func() {
		parsedABI, abiErr = abi.JSON(strings.NewReader(RegistryABIJSON))
	})
	return parsedABI, abiErr
}

// Names of the contract events.
const (
	EventIPFSHashUpdated       = "IPFSHashUpdated"
	EventAssetDeleted          = "AssetDeleted"
	EventDelegateStatusChanged = "DelegateStatusChanged"
)
