// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package port

import "sync/atomic"

// LockHistoryAs takes the history lock on behalf of another process.
func (d *Data) LockHistoryAs(owner uint32) {
	atomic.StoreUint32(&d.history, owner)
}
