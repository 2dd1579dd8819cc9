// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package ethrover is a devp2p client speaking ETH/63, built directly on
// github.com/ethereum/go-ethereum/p2p for DPT discovery and RLPx transport.
// ETH/62 is declared as a version constant, but no eth/62 protocol is
// registered with the p2p server, so peers offering only ETH/62 are not
// served. It tracks each peer's handshake session and pools the
// fork-verified peers into a single dispatch surface.
package ethrover

import (
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// ETH subprotocol name and the two wire version numbers; the pool registers
// only ProtocolVersion63.
const (
	ProtocolName    = "eth"
	ProtocolVersion62 = 62
	ProtocolVersion63 = 63
)

// Message codes for the ETH subprotocol. Only these are acted on; any other
// code inside the protocol's length is logged and dropped by Peer.handle.
const (
	StatusMsg          = 0x00
	NewBlockHashesMsg  = 0x01
	TxMsg              = 0x02
	GetBlockHeadersMsg = 0x03
	BlockHeadersMsg    = 0x04
	GetBlockBodiesMsg  = 0x05
	BlockBodiesMsg     = 0x06
	NewBlockMsg        = 0x07
	GetNodeDataMsg     = 0x0d
	NodeDataMsg        = 0x0e
	GetReceiptsMsg     = 0x0f
	ReceiptsMsg        = 0x10

	ProtocolLength = 0x11 // number of message codes the protocol occupies
)

// Network IDs and genesis hashes, selected by the BC_NETWORK config value.
const (
	MainnetNetworkID = 1
	RopstenNetworkID = 3
)

var (
	MainnetGenesisHash = common.HexToHash("0xd4e56740f876aef8c010b86a40d5f56745a118d0906a34e69aec8c0db1cb8fa3")
	RopstenGenesisHash = common.HexToHash("0x41941023680923e0fe4d74a34bdac8141f2540e3ae90623718e47d66d1ca4a2d")

	// Eth1920000ForkHash is the well-known DAO-fork block (1,920,000) hash
	// used for the fork-identity probe.
	Eth1920000ForkHash = common.HexToHash("0x4985f5ca3d2afbec36529aa96f74de3cc10a2a4a6c44f2157a57d2c6059a11bb")

	daoForkBlockNumber uint64 = 1920000
)

// Timeouts and limits governing the handshake, fork probe and caches.
const (
	ForkProbeTimeout  = 15 * time.Second
	PeerRefreshPeriod = 10 * time.Minute
	HashRateLimit     = 100 * time.Millisecond
	MaxInvalidCount   = 8

	MaxBatch = 128 // MAX_BATCH for Ethereum

	BlockCacheSize = 118
	TxCacheSize    = 2000

	// maxKnownBlocks/maxKnownTxs cap each peer's own announced-hash sets
	// (distinct from the shared BlockCacheSize/TxCacheSize caches).
	maxKnownBlocks = 1024
	maxKnownTxs    = 32768

	protocolMaxMsgSize = 10 * 1024 * 1024
)

// statusData is the ETH/63 handshake payload.
type statusData struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *big.Int
	CurrentBlock    common.Hash
	GenesisBlock    common.Hash
}

// newBlockHashesData is the NEW_BLOCK_HASHES payload: a list of (hash,
// number) announcements.
type newBlockHashesData []struct {
	Hash   common.Hash
	Number uint64
}

// hashOrNumber is either a block hash or a block number, used as the origin
// of a GET_BLOCK_HEADERS query; exactly one of the two is set. The RLP
// encoding is a single value (32-byte hash, or a number), not a struct,
// matching go-ethereum's eth/protocols/eth wire format.
type hashOrNumber struct {
	Hash   common.Hash
	Number uint64
}

// EncodeRLP implements rlp.Encoder.
func (hn *hashOrNumber) EncodeRLP(w io.Writer) error {
	if hn.Hash == (common.Hash{}) {
		return rlp.Encode(w, hn.Number)
	}
	if hn.Number != 0 {
		return fmt.Errorf("ethrover: both origin hash and number given")
	}
	return rlp.Encode(w, hn.Hash)
}

// DecodeRLP implements rlp.Decoder.
func (hn *hashOrNumber) DecodeRLP(s *rlp.Stream) error {
	_, size, _ := s.Kind()
	origin, err := s.Raw()
	if err != nil {
		return err
	}
	if size == 32 {
		err = rlp.DecodeBytes(origin, &hn.Hash)
	} else {
		err = rlp.DecodeBytes(origin, &hn.Number)
	}
	return err
}

// getBlockHeadersData is the GET_BLOCK_HEADERS payload.
type getBlockHeadersData struct {
	Origin  hashOrNumber
	Amount  uint64
	Skip    uint64
	Reverse bool
}
