package keys

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Manager wraps an encrypted on-disk keystore holding the relay's funding
// accounts. Keys never leave the keystore; callers get signed transactions.
type Manager struct {
	ks         *keystore.KeyStore
	passphrase string
	dir        string
}

func NewManager(dir string, passphrase string) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return &Manager{ks: ks, passphrase: passphrase, dir: dir}, nil
}

func (m *Manager) CreateAccount() (common.Address, error) {
	if m.passphrase == "" {
		return common.Address{}, errors.New("keystore passphrase is empty")
	}
	acct, err := m.ks.NewAccount(m.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

func (m *Manager) Accounts() []common.Address {
	acctList := m.ks.Accounts()
	out := make([]common.Address, 0, len(acctList))
	for _, acct := range acctList {
		out = append(out, acct.Address)
	}
	return out
}

// HasAccount reports whether the keystore can sign for addr. Checked at
// startup so a misconfigured funding account fails fast, not on the first
// relay.
func (m *Manager) HasAccount(addr common.Address) bool {
	_, err := m.findAccount(addr)
	return err == nil
}

func (m *Manager) findAccount(addr common.Address) (accounts.Account, error) {
	for _, acct := range m.ks.Accounts() {
		if acct.Address == addr {
			return acct, nil
		}
	}
	return accounts.Account{}, errors.New("account not found in keystore")
}

func (m *Manager) SignTransaction(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if m.passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	acct, err := m.findAccount(addr)
	if err != nil {
		return nil, err
	}
	return m.ks.SignTxWithPassphrase(acct, m.passphrase, tx, chainID)
}

func (m *Manager) KeystoreDir() string {
	return filepath.Clean(m.dir)
}
