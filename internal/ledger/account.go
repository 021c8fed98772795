package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt
	SubTypeWallet

	// System sub-types
	SubTypeSystemLendingPool
	SubTypeSystemLoans
	SubTypeSystemInterest
	SubTypeSystemFees
	SubTypeSystemAmmCollateral
	SubTypeSystemAmmQuote

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

const (
	// AssetCollateral is the collateral token (an LST).
	AssetCollateral AssetID = 1
	// AssetQuote is the debt/quote token.
	AssetQuote AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"LST": AssetCollateral,
		"USD": AssetQuote,
	}
	idToAsset = map[AssetID]string{
		AssetCollateral: "LST",
		AssetQuote:      "USD",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath, used when rebuilding
// balances and journals from storage.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		subType, ok := subTypeFromName(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type", path)
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		return NewUserAccountKey(uid, subType, assetID), nil

	case "system", "external":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		subType, ok := subTypeFromName(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type", path)
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		if parts[0] == "system" {
			return NewSystemAccountKey(subType, assetID), nil
		}
		return NewExternalAccountKey(subType, assetID), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

func subTypeFromName(name string) (AccountSubType, bool) {
	switch name {
	case "collateral":
		return SubTypeCollateral, true
	case "debt":
		return SubTypeDebt, true
	case "wallet":
		return SubTypeWallet, true
	case "lending_pool":
		return SubTypeSystemLendingPool, true
	case "loans_outstanding":
		return SubTypeSystemLoans, true
	case "interest_earned":
		return SubTypeSystemInterest, true
	case "fees":
		return SubTypeSystemFees, true
	case "amm_collateral":
		return SubTypeSystemAmmCollateral, true
	case "amm_quote":
		return SubTypeSystemAmmQuote, true
	case "deposits":
		return SubTypeExternalDeposits, true
	case "withdrawals":
		return SubTypeExternalWithdrawals, true
	}
	return 0, false
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemLendingPool:
		return "lending_pool"
	case SubTypeSystemLoans:
		return "loans_outstanding"
	case SubTypeSystemInterest:
		return "interest_earned"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemAmmCollateral:
		return "amm_collateral"
	case SubTypeSystemAmmQuote:
		return "amm_quote"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
