// Package coa loads, validates, and persists the hierarchical chart of
// accounts and exposes flattened views of it.
package coa

import (
	"encoding/json"
	"fmt"

	"github.com/aristath/tradebook/internal/domain"
)

// Account is one node of the chart of accounts forest. Codes are globally
// unique across the tree.
type Account struct {
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Children []Account `json:"children,omitempty"`
	Active   bool      `json:"active"`
}

// UnmarshalJSON defaults Active to true when the key is absent, matching
// documents written before the flag existed.
func (a *Account) UnmarshalJSON(data []byte) error {
	type alias Account
	aux := alias{Active: true}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Account(aux)
	return nil
}

// FlatAccount is one row of a flattened view. Path is the colon-delimited
// chain of names from root to node.
type FlatAccount struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Validate checks the structural invariants of a forest: non-empty, every
// node carries a code and a name, and codes are unique across the tree.
func Validate(accounts []Account) error {
	if len(accounts) == 0 {
		return domain.NewValidationError("", "chart of accounts is empty")
	}
	seen := make(map[string]bool)
	for i := range accounts {
		if err := validateNode(&accounts[i], seen); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(a *Account, seen map[string]bool) error {
	if a.Code == "" {
		return domain.NewValidationError(a.Name, "account node has no code")
	}
	if a.Name == "" {
		return domain.NewValidationError(a.Code, "account node has no name")
	}
	if seen[a.Code] {
		return domain.NewValidationError(a.Code, "duplicate account code")
	}
	seen[a.Code] = true
	for i := range a.Children {
		if err := validateNode(&a.Children[i], seen); err != nil {
			return err
		}
	}
	return nil
}

// Flatten walks the forest depth-first and returns every node with its
// colon-delimited name path.
func Flatten(accounts []Account) []FlatAccount {
	var out []FlatAccount
	for i := range accounts {
		flattenNode(&accounts[i], "", &out)
	}
	return out
}

func flattenNode(a *Account, parentPath string, out *[]FlatAccount) {
	path := a.Name
	if parentPath != "" {
		path = parentPath + ":" + a.Name
	}
	*out = append(*out, FlatAccount{Code: a.Code, Name: a.Name, Path: path})
	for i := range a.Children {
		flattenNode(&a.Children[i], path, out)
	}
}

// FlattenActive returns the dropdown view: active nodes only, labelled by
// path.
func FlattenActive(accounts []Account) []FlatAccount {
	var out []FlatAccount
	for i := range accounts {
		flattenActiveNode(&accounts[i], "", &out)
	}
	return out
}

func flattenActiveNode(a *Account, parentPath string, out *[]FlatAccount) {
	path := a.Name
	if parentPath != "" {
		path = parentPath + ":" + a.Name
	}
	if a.Active {
		*out = append(*out, FlatAccount{Code: a.Code, Name: a.Name, Path: path})
	}
	for i := range a.Children {
		flattenActiveNode(&a.Children[i], path, out)
	}
}

// ActiveCodes returns the set of active account codes, the reference set
// for mapping validation and ledger account checks.
func ActiveCodes(accounts []Account) map[string]bool {
	set := make(map[string]bool)
	for _, fa := range FlattenActive(accounts) {
		set[fa.Code] = true
	}
	return set
}

// FindByCode returns the node with the given code, or nil.
func FindByCode(accounts []Account, code string) *Account {
	for i := range accounts {
		if found := findNode(&accounts[i], code); found != nil {
			return found
		}
	}
	return nil
}

func findNode(a *Account, code string) *Account {
	if a.Code == code {
		return a
	}
	for i := range a.Children {
		if found := findNode(&a.Children[i], code); found != nil {
			return found
		}
	}
	return nil
}

// Summarize renders a short human description of a forest for audit
// entries, e.g. "3 roots, 17 accounts (15 active)".
func Summarize(accounts []Account) string {
	flat := Flatten(accounts)
	active := len(FlattenActive(accounts))
	return fmt.Sprintf("%d roots, %d accounts (%d active)", len(accounts), len(flat), active)
}
