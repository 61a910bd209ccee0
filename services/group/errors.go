package group

import "errors"

var (
	ErrGroupNotFound  = errors.New("group not found")
	ErrItemNotFound   = errors.New("item not found")
	ErrGroupFull      = errors.New("group is at capacity")
	ErrMemberNotFound = errors.New("active membership not found")
)
