package storage

import (
	"fmt"
	"hash/crc32"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ChecksumAlgorithm selects the per-block checksum function. The choice is
// made once at database creation and persisted per block in metadata, so a
// reader always verifies with the function that wrote the block.
type ChecksumAlgorithm string

const (
	// AlgoFastHash is the default non-cryptographic 64-bit hash (xxhash).
	AlgoFastHash ChecksumAlgorithm = "FastHash"

	// AlgoCRC32 is IEEE CRC-32, widened to 64 bits.
	AlgoCRC32 ChecksumAlgorithm = "CRC32"
)

// ChecksumAlgoEnv overrides the algorithm used at database creation.
const ChecksumAlgoEnv = "ABSURDERSQL_CHECKSUM_ALGO"

// AlgorithmFromEnv returns the algorithm selected by ABSURDERSQL_CHECKSUM_ALGO,
// or AlgoFastHash when unset or unrecognized. The lookup happens once, at
// configuration construction; callers must not re-read the environment.
func AlgorithmFromEnv() ChecksumAlgorithm {
	switch ChecksumAlgorithm(os.Getenv(ChecksumAlgoEnv)) {
	case AlgoCRC32:
		return AlgoCRC32
	case AlgoFastHash:
		return AlgoFastHash
	default:
		return AlgoFastHash
	}
}

// Valid reports whether the algorithm is one of the supported values.
func (a ChecksumAlgorithm) Valid() bool {
	return a == AlgoFastHash || a == AlgoCRC32
}

// Compute returns the checksum of data under the given algorithm.
// Deterministic and pure.
func Compute(data []byte, algo ChecksumAlgorithm) uint64 {
	switch algo {
	case AlgoCRC32:
		return uint64(crc32.ChecksumIEEE(data))
	default:
		return xxhash.Sum64(data)
	}
}

// VerifyChecksum checks data against an expected checksum under algo.
// Returns ErrChecksumMismatch on disagreement.
func VerifyChecksum(data []byte, algo ChecksumAlgorithm, expected uint64) error {
	got := Compute(data, algo)
	if got != expected {
		return fmt.Errorf("%w: computed %d, expected %d (%s)", ErrChecksumMismatch, got, expected, algo)
	}
	return nil
}
