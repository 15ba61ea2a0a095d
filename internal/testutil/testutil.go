// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"testing"

	"PaymentProcessor/internal/models"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/holiman/uint256"
)

const Prefix = "pay"

// Address returns a stable, checksum-valid bech32 address for name.
func Address(name string) models.Address {
	sum := sha256.Sum256([]byte(name))
	converted, err := bech32.ConvertBits(sum[:20], 8, 5, true)
	if err != nil {
		panic(err)
	}
	addr, err := bech32.Encode(Prefix, converted)
	if err != nil {
		panic(err)
	}
	return models.Address(addr)
}

// XPub returns a deterministic extended public key usable by AddressDeriver.
func XPub(t testing.TB) string {
	t.Helper()
	master, err := hdkeychain.NewMaster(bytes.Repeat([]byte{0x42}, 32), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	pub, err := master.Neuter()
	if err != nil {
		t.Fatalf("neuter: %v", err)
	}
	return pub.String()
}

// Deriver hands out escrow addresses without key material.
type Deriver struct{}

func (Deriver) Derive(index uint32) (string, error) {
	return Address(fmt.Sprintf("escrow-%d", index)).String(), nil
}

func Amount(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}
