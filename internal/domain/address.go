package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress indicates an owner or repository folder could not be derived.
var ErrInvalidAddress = errors.New("invalid deployment address")

// Address identifies a build area and registry entry.
type Address struct {
	Owner    string
	RepoName string
}

func (a Address) String() string {
	return a.Owner + "/" + a.RepoName
}

// ResolveAddress derives the owner and repository folder for a deploy.
//
// In the conventional mode the repository identifier is parsed like a hosting
// path (https://host/owner/name.git, git@host:owner/name). In the alternative
// mode the wallet address and explicit name are used as-is.
func ResolveAddress(repository string, alternative bool, walletAddress, repoName string) (Address, error) {
	var addr Address
	if alternative {
		addr = Address{Owner: strings.TrimSpace(walletAddress), RepoName: strings.TrimSpace(repoName)}
	} else {
		trimmed := strings.TrimSpace(repository)
		trimmed = strings.TrimRight(trimmed, "/")
		trimmed = strings.TrimSuffix(trimmed, ".git")
		if idx := strings.Index(trimmed, "://"); idx >= 0 {
			trimmed = trimmed[idx+3:]
		} else if at := strings.Index(trimmed, "@"); at >= 0 {
			trimmed = strings.Replace(trimmed[at+1:], ":", "/", 1)
		}
		parts := strings.Split(trimmed, "/")
		if len(parts) < 2 {
			return Address{}, fmt.Errorf("%w: cannot parse owner from %q", ErrInvalidAddress, repository)
		}
		addr = Address{Owner: parts[len(parts)-2], RepoName: parts[len(parts)-1]}
	}
	if err := ValidSegment(addr.Owner); err != nil {
		return Address{}, fmt.Errorf("owner: %w", err)
	}
	if err := ValidSegment(addr.RepoName); err != nil {
		return Address{}, fmt.Errorf("repository folder: %w", err)
	}
	return addr, nil
}

// ValidSegment rejects values that are unsafe as a single path component.
func ValidSegment(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty segment", ErrInvalidAddress)
	case s == "." || s == "..":
		return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	case strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidAddress, s)
	}
	return nil
}
