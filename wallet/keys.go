package wallet

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// privKeyType is the tlv type of the 32 byte private key scalar.
	privKeyType tlv.Type = 0

	// birthdayType is the tlv type of the key's creation time in unix
	// seconds.
	birthdayType tlv.Type = 2
)

// keyPair is a private key held by the wallet together with the address that
// receives to it.
type keyPair struct {
	priv     *btcec.PrivateKey
	addr     *btcutil.AddressPubKeyHash
	birthday time.Time
}

// newKeyPair generates a fresh key for the network.
func newKeyPair(params *chaincfg.Params, now time.Time) (*keyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return makeKeyPair(priv, params, now)
}

// makeKeyPair derives the compressed pay-to-pubkey-hash address for priv.
func makeKeyPair(priv *btcec.PrivateKey, params *chaincfg.Params,
	birthday time.Time) (*keyPair, error) {

	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(pkHash, params)
	if err != nil {
		return nil, err
	}

	return &keyPair{
		priv:     priv,
		addr:     addr,
		birthday: birthday,
	}, nil
}

// id returns the key's bucket key, the hash160 of its public key.
func (k *keyPair) id() []byte {
	return k.addr.ScriptAddress()
}

// encode writes the key as a tlv stream.
func (k *keyPair) encode(w io.Writer) error {
	privBytes := k.priv.Serialize()
	birthday := uint64(k.birthday.Unix())

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(privKeyType, &privBytes),
		tlv.MakePrimitiveRecord(birthdayType, &birthday),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeKeyPair reads a key written by encode.
func decodeKeyPair(raw []byte, params *chaincfg.Params) (*keyPair, error) {
	var (
		privBytes []byte
		birthday  uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(privKeyType, &privBytes),
		tlv.MakePrimitiveRecord(birthdayType, &birthday),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	if len(privBytes) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid private key length %d",
			len(privBytes))
	}

	priv, _ := btcec.PrivKeyFromBytes(privBytes)

	return makeKeyPair(priv, params, time.Unix(int64(birthday), 0))
}

// secretSource is an implementation of txauthor.SecretsSource over the
// wallet's keys.
type secretSource struct {
	keys   map[string]*keyPair
	params *chaincfg.Params
}

// GetKey returns the private key for a pay-to-pubkey-hash address.
func (s secretSource) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool,
	error) {

	key, ok := s.keys[string(addr.ScriptAddress())]
	if !ok {
		return nil, false, fmt.Errorf("%w: %v", ErrUnknownAddress, addr)
	}

	return key.priv, true, nil
}

// GetScript is never needed since the wallet holds no script addresses.
func (s secretSource) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("%w: no script for %v", ErrUnknownAddress, addr)
}

// ChainParams returns the network the keys belong to.
func (s secretSource) ChainParams() *chaincfg.Params {
	return s.params
}
