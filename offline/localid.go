// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// localIDPrefix marks ids generated on this device before the first
// successful sync. The first synced create replaces a local id with the
// remote-assigned one.
const localIDPrefix = "local_"

// NewLocalID returns a locally-generated record id of the form
// local_<unix-millis>_<12 hex chars>.
func NewLocalID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%s%d_%s", localIDPrefix, time.Now().UnixMilli(), suffix)
}

// IsLocalID reports whether id was generated locally and has not yet been
// replaced by a remote-assigned id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
