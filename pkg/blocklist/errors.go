package blocklist

import "errors"

// ErrRateLimited is returned by RefreshManual when invoked too soon after a
// previous refresh of the same blocklist.
var ErrRateLimited = errors.New("blocklist: manual refresh rate limited")
