// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package zfsmodel holds the opaque, validated name types shared across
// the replication control plane: dataset, snapshot, and bookmark
// references. The core never parses these beyond the character set the
// underlying filesystem tool accepts.
package zfsmodel

import (
	"fmt"
	"regexp"
)

// namePattern matches the character set zfs(8) accepts in dataset path
// components: letters, digits, and a small set of punctuation.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:\-/]*$`)

var tagPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:\-]*$`)

// Dataset is a validated hierarchical path "pool/a/b/...".
type Dataset string

// Snapshot is a validated "dataset@name" reference.
type Snapshot string

// Bookmark is a validated "dataset#name" reference.
type Bookmark string

// NewDataset validates and returns a Dataset reference.
func NewDataset(s string) (Dataset, error) {
	if !namePattern.MatchString(s) {
		return "", fmt.Errorf("invalid dataset name %q", s)
	}
	return Dataset(s), nil
}

// NewSnapshot builds a Snapshot reference from a dataset and a tag.
func NewSnapshot(dataset Dataset, tag string) (Snapshot, error) {
	if !tagPattern.MatchString(tag) {
		return "", fmt.Errorf("invalid snapshot tag %q", tag)
	}
	return Snapshot(string(dataset) + "@" + tag), nil
}

// NewBookmark builds a Bookmark reference from a dataset and a tag.
func NewBookmark(dataset Dataset, tag string) (Bookmark, error) {
	if !tagPattern.MatchString(tag) {
		return "", fmt.Errorf("invalid bookmark tag %q", tag)
	}
	return Bookmark(string(dataset) + "#" + tag), nil
}

// Dataset returns the dataset portion of a snapshot reference.
func (s Snapshot) Dataset() Dataset {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '@' {
			return Dataset(s[:i])
		}
	}
	return Dataset(s)
}

// Tag returns the tag portion (after '@') of a snapshot reference.
func (s Snapshot) Tag() string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '@' {
			return string(s[i+1:])
		}
	}
	return ""
}

func (d Dataset) String() string { return string(d) }
func (s Snapshot) String() string { return string(s) }
func (b Bookmark) String() string { return string(b) }
