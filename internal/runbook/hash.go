package runbook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hashed returns the runbook with its content hash filled in. The hash
// identifies a revision: two runbooks with the same definitions share
// one, so re-running a command does not grow state.
func (r Runbook) Hashed() Runbook {
	r.Hash = ""
	data, err := json.Marshal(r)
	if err != nil {
		// Marshal of a validated runbook cannot fail; an empty hash
		// would silently merge revisions, so make the failure loud.
		panic("runbook: hash: " + err.Error())
	}
	sum := sha256.Sum256(data)
	r.Hash = hex.EncodeToString(sum[:])
	return r
}
