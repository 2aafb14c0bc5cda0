package model

import "errors"

var (
	// ErrUnknownEntityType indicates an ID whose prefix is not Q, P, L or M.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrUnknownDatatype indicates a datatype string outside the closed set.
	ErrUnknownDatatype = errors.New("unknown datatype")
	// ErrUnknownDataValue indicates a datavalue type tag outside the closed set.
	ErrUnknownDataValue = errors.New("unknown datavalue type")
)
