// keys.go - Groth16 key management for the amount validity circuit.

package fhe

import (
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/pkg/errors"
)

// KeySet bundles the compiled amount circuit with its Groth16 keys.
// The proving side (client runtime) and the verifying side (engine) share it.
type KeySet struct {
	CCS          constraint.ConstraintSystem
	ProvingKey   groth16.ProvingKey
	VerifyingKey groth16.VerifyingKey
}

// CompileCircuit compiles the amount validity circuit over BW6-761.
func CompileCircuit() (constraint.ConstraintSystem, error) {
	var circuit CircuitAmount
	ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, errors.Wrap(err, "circuit compilation failed")
	}
	return ccs, nil
}

// SetupKeys compiles the circuit and generates fresh Groth16 keys in memory.
func SetupKeys() (*KeySet, error) {
	ccs, err := CompileCircuit()
	if err != nil {
		return nil, err
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, errors.Wrap(err, "groth16 setup failed")
	}
	return &KeySet{CCS: ccs, ProvingKey: pk, VerifyingKey: vk}, nil
}

// SetupOrLoadKeys compiles the circuit and loads Groth16 keys from dir if
// they exist; otherwise it generates and saves new keys.
func SetupOrLoadKeys(dir string) (*KeySet, error) {
	ccs, err := CompileCircuit()
	if err != nil {
		return nil, err
	}

	pkPath := filepath.Join(dir, "amount_pk.bin")
	vkPath := filepath.Join(dir, "amount_vk.bin")

	pk, pkErr := loadProvingKey(pkPath)
	vk, vkErr := loadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return &KeySet{CCS: ccs, ProvingKey: pk, VerifyingKey: vk}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create key directory")
	}
	pk, vk, err = groth16.Setup(ccs)
	if err != nil {
		return nil, errors.Wrap(err, "groth16 setup failed")
	}
	if err := saveProvingKey(pkPath, pk); err != nil {
		return nil, err
	}
	if err := saveVerifyingKey(vkPath, vk); err != nil {
		return nil, err
	}
	return &KeySet{CCS: ccs, ProvingKey: pk, VerifyingKey: vk}, nil
}

func saveProvingKey(path string, pk groth16.ProvingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save proving key")
	}
	defer f.Close()
	if _, err := pk.WriteTo(f); err != nil {
		return errors.Wrap(err, "write proving key")
	}
	return nil
}

func saveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save verifying key")
	}
	defer f.Close()
	if _, err := vk.WriteTo(f); err != nil {
		return errors.Wrap(err, "write verifying key")
	}
	return nil
}

func loadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BW6_761)
	if _, err := pk.ReadFrom(f); err != nil {
		return nil, err
	}
	return pk, nil
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, err
	}
	return vk, nil
}
