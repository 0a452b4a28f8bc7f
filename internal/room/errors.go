package room

import "errors"

var (
	ErrForbidden        = errors.New("forbidden")
	ErrNoSeatsAvailable = errors.New("no seats available in this room")
	ErrAlreadyHasSeat   = errors.New("connection already has a seat")
	ErrSeatTaken        = errors.New("seat is already taken")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotInRoom        = errors.New("connection is not in a room")
	ErrConnectionGone   = errors.New("connection disconnected during join")
)
