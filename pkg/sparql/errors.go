package sparql

import "errors"

var (
	// ErrQueryFailed indicates the endpoint rejected or failed a query.
	ErrQueryFailed = errors.New("sparql query failed")
	// ErrParse indicates a failure to parse the result document.
	ErrParse = errors.New("sparql parse error")
)
