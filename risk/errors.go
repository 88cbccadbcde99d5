package risk

import "errors"

var (
	ErrNetExceed    = errors.New("net position exceed")
	ErrSingleExceed = errors.New("single order exceed")
)
