package feed

import _ "embed"

// IndexHTML is the embedded front page. It renders no data server-side; the
// page fetches /api/stars and /api/options itself with relative URLs, so it
// works unchanged under a path prefix.
//
//go:embed index.html
var IndexHTML []byte
