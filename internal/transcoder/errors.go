// SPDX-License-Identifier: MIT

package transcoder

import "errors"

var (
	errSubscriberLagging = errors.New("transcoder: subscriber queue overflowed, client too slow")
	errRecordTerminated  = errors.New("transcoder: record terminated")
	errRestartBudget     = errors.New("transcoder: restart budget exceeded")
)
