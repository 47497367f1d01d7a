package hotrelay

import "errors"

var errHandoffRejected = errors.New("running server did not acknowledge unlisten")
