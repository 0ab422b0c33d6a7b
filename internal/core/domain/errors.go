package domain

import "errors"

var (
	ErrTerminalNotFound = errors.New("terminal not found")
	ErrTerminalExists   = errors.New("terminal already exists")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrStreamExists     = errors.New("stream already exists")
	ErrOwnerMissing     = errors.New("stream owner terminal does not exist")
	ErrViewNotFound     = errors.New("view not found")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomExists       = errors.New("room already exists")
)
