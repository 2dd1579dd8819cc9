// Package liskrover implements the Lisk variant of the rover: an HTTP
// polling driver standing in for a peer session and pool, sharing the
// chain-agnostic control loop unchanged with the Ethereum variant.
package liskrover

// nativeBlock is the subset of the Lisk `/blocks` JSON representation this
// rover needs.
type nativeBlock struct {
	ID             string `json:"id"`
	Height         uint64 `json:"height"`
	PreviousBlock  string `json:"previousBlock"`
	Timestamp      uint64 `json:"timestamp"`
	BlockSignature string `json:"blockSignature"`
	PayloadHash    string `json:"payloadHash"`
	PayloadLength  uint64 `json:"payloadLength"`
	GeneratorPublicKey string `json:"generatorPublicKey"`
	NumberOfTransactions uint64 `json:"numberOfTransactions"`
}

// nativeTx is the subset of the Lisk `/transactions` JSON representation
// this rover needs.
type nativeTx struct {
	ID              string `json:"id"`
	Type            int    `json:"type"` // 0 = value transfer
	SenderPublicKey string `json:"senderPublicKey"`
	SenderID        string `json:"senderId"`
	RecipientID     string `json:"recipientId"`
	Amount          string `json:"amount"` // decimal string, chain-native units
}
