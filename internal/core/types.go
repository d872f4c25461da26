package core

import (
	"astmlis/pkg/astm"
	"astmlis/pkg/domain"
)

// ErrNotFound reports an unknown record id.
var ErrNotFound = domain.ErrNotFound

type (
	Result       = astm.Result
	Message      = astm.Message
	StoredResult = domain.StoredResult
	ResultStore  = domain.ResultStore
)
