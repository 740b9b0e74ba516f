// Package walletseed is the local embedded cache for a wallet's
// MasterSeed (§6): the one piece of state this engine persists, keyed
// by wallet address so re-deriving it from a fresh wallet signature is
// never needed on the same machine.
package walletseed

import (
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jaydenbeard/e2e-messaging-core/internal/keyderivation"
)

const schema = `
CREATE TABLE IF NOT EXISTS wallet_seeds (
	wallet_address  TEXT PRIMARY KEY,
	master_seed_hex TEXT NOT NULL
);`

// Store wraps a local sqlite database caching MasterSeed values.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("walletseed: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("walletseed: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("walletseed: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached MasterSeed for walletAddress, or ok=false if
// none has been stored yet.
func (s *Store) Get(walletAddress string) (seed keyderivation.MasterSeed, ok bool, err error) {
	var hexSeed string
	row := s.db.QueryRow(`SELECT master_seed_hex FROM wallet_seeds WHERE wallet_address = ?`, walletAddress)
	if err := row.Scan(&hexSeed); err != nil {
		if err == sql.ErrNoRows {
			return keyderivation.MasterSeed{}, false, nil
		}
		return keyderivation.MasterSeed{}, false, fmt.Errorf("walletseed: query: %w", err)
	}

	raw, err := hex.DecodeString(hexSeed)
	if err != nil {
		return keyderivation.MasterSeed{}, false, fmt.Errorf("walletseed: decode stored seed: %w", err)
	}
	if len(raw) != keyderivation.MasterSeedSize {
		return keyderivation.MasterSeed{}, false, fmt.Errorf("walletseed: stored seed has wrong length %d", len(raw))
	}
	copy(seed[:], raw)
	return seed, true, nil
}

// Put upserts the MasterSeed for walletAddress.
func (s *Store) Put(walletAddress string, seed keyderivation.MasterSeed) error {
	hexSeed := hex.EncodeToString(seed[:])
	_, err := s.db.Exec(
		`INSERT INTO wallet_seeds (wallet_address, master_seed_hex) VALUES (?, ?)
		 ON CONFLICT(wallet_address) DO UPDATE SET master_seed_hex = excluded.master_seed_hex`,
		walletAddress, hexSeed,
	)
	if err != nil {
		return fmt.Errorf("walletseed: upsert: %w", err)
	}
	return nil
}

// GetOrDerive returns the cached seed for walletAddress if present,
// otherwise derives it from walletSignature via keyderivation.DeriveMasterSeed
// and caches the result before returning it.
func (s *Store) GetOrDerive(walletAddress string, walletSignature []byte) (keyderivation.MasterSeed, error) {
	if seed, ok, err := s.Get(walletAddress); err != nil {
		return keyderivation.MasterSeed{}, err
	} else if ok {
		return seed, nil
	}

	seed, err := keyderivation.DeriveMasterSeed(walletSignature)
	if err != nil {
		return keyderivation.MasterSeed{}, fmt.Errorf("walletseed: derive: %w", err)
	}
	if err := s.Put(walletAddress, seed); err != nil {
		return keyderivation.MasterSeed{}, err
	}
	return seed, nil
}
