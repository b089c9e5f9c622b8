package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownBlock     = errors.New("unknown building block")
	ErrUnknownStrategy  = errors.New("unknown verification strategy")
	ErrPermissionDenied = errors.New("permission denied")
	ErrBulkPartial      = errors.New("bulk write partially failed")
	ErrInvalidArgument  = errors.New("invalid argument")
)
